package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"btc-payable/internal/domain"
)

type OperatorTokenRepository struct {
	db *sql.DB
}

func NewOperatorTokenRepository(db *sql.DB) *OperatorTokenRepository {
	return &OperatorTokenRepository{db: db}
}

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return fmt.Sprintf("%x", sum)
}

// splitToken accepts both "<id>|<secret>" and a bare secret.
func splitToken(plainToken string) (*int64, string) {
	idx := strings.Index(plainToken, "|")
	if idx <= 0 {
		return nil, plainToken
	}
	id, err := strconv.ParseInt(plainToken[:idx], 10, 64)
	if err != nil {
		log.Printf("[TOKEN] failed to parse id %q: %v", plainToken[:idx], err)
		return nil, plainToken[idx+1:]
	}
	return &id, plainToken[idx+1:]
}

func (r *OperatorTokenRepository) FindByPlainToken(ctx context.Context, plainToken string) (*domain.OperatorToken, error) {
	plainToken = strings.TrimSpace(plainToken)
	if plainToken == "" {
		return nil, errors.New("empty token")
	}

	tokenID, secret := splitToken(plainToken)
	hash := hashToken(secret)

	var tok domain.OperatorToken

	if tokenID != nil {
		query := `
			SELECT id, token_hash, operator_id, name, expires_at
			FROM operator_tokens
			WHERE id = $1
			  AND (expires_at IS NULL OR expires_at > $2)
		`
		err := r.db.QueryRowContext(ctx, query, *tokenID, time.Now()).Scan(
			&tok.ID,
			&tok.TokenHash,
			&tok.OperatorID,
			&tok.Name,
			&tok.ExpiresAt,
		)
		if err == nil && tok.TokenHash == hash {
			return &tok, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[TOKEN] query by id=%d error: %v", *tokenID, err)
		}
	}

	query := `
		SELECT id, token_hash, operator_id, name, expires_at
		FROM operator_tokens
		WHERE token_hash = $1
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := r.db.QueryRowContext(ctx, query, hash, time.Now()).Scan(
		&tok.ID,
		&tok.TokenHash,
		&tok.OperatorID,
		&tok.Name,
		&tok.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

// Touch records the last time a token authenticated a request.
func (r *OperatorTokenRepository) Touch(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE operator_tokens SET last_used_at = now() WHERE id = $1`, id)
	return err
}
