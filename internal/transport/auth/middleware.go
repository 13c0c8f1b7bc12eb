package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"btc-payable/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const OperatorIDKey ctxKey = "operatorID"

type TokenLookup interface {
	FindByPlainToken(ctx context.Context, plainToken string) (*domain.OperatorToken, error)
}

// tokenToucher is implemented by lookups that track last use.
type tokenToucher interface {
	Touch(ctx context.Context, id int64) error
}

// OperatorMiddleware authenticates back-office callers with either an
// operator token or, when jwtSecret is set, an HS256 JWT carrying an
// operator_id claim. The token may come from the Authorization header or the
// "token" query parameter, which websocket clients use.
func OperatorMiddleware(tokens TokenLookup, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				raw = strings.TrimSpace(r.URL.Query().Get("token"))
			}
			if raw == "" {
				log.Printf("[AUTH] %s %s: no token", r.Method, r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			operatorID, err := authenticate(r.Context(), tokens, jwtSecret, raw)
			if err != nil {
				log.Printf("[AUTH] %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), OperatorIDKey, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

func authenticate(ctx context.Context, tokens TokenLookup, jwtSecret, raw string) (int64, error) {
	if jwtSecret != "" && looksLikeJWT(raw) {
		return operatorFromJWT(raw, jwtSecret)
	}
	if tokens == nil {
		return 0, errors.New("operator tokens not configured")
	}

	tok, err := tokens.FindByPlainToken(ctx, raw)
	if err != nil {
		return 0, fmt.Errorf("token lookup: %w", err)
	}
	if tok.ExpiresAt != nil && tok.ExpiresAt.Before(time.Now()) {
		return 0, fmt.Errorf("token %d expired at %s", tok.ID, tok.ExpiresAt.Format(time.RFC3339))
	}
	if t, ok := tokens.(tokenToucher); ok {
		if err := t.Touch(ctx, tok.ID); err != nil {
			log.Printf("[TOKEN] touch %d failed: %v", tok.ID, err)
		}
	}
	return tok.OperatorID, nil
}

func operatorFromJWT(raw, secret string) (int64, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("invalid jwt: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("invalid jwt claims")
	}
	id, ok := claims["operator_id"].(float64)
	if !ok || id <= 0 {
		return 0, errors.New("jwt has no operator_id")
	}
	return int64(id), nil
}

func GetOperatorID(ctx context.Context) (int64, error) {
	id, ok := ctx.Value(OperatorIDKey).(int64)
	if !ok {
		return 0, errors.New("operatorID not found in context")
	}
	return id, nil
}
