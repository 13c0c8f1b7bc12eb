package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"btc-payable/internal/domain"

	"github.com/shopspring/decimal"
)

type CurrencyConversionRepository interface {
	Latest(ctx context.Context, crypto, currency string) (*domain.ExchangeRate, error)
	Insert(ctx context.Context, r *domain.ExchangeRate) error
}

type RateCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

const rateCacheTTL = 10 * time.Minute

type cachedRate struct {
	ID       int64           `json:"id"`
	Crypto   string          `json:"crypto"`
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
	AsOf     time.Time       `json:"as_of"`
}

// RateService serves the latest exchange rate from Redis, falling back to
// the currency_conversions history.
type RateService struct {
	repo  CurrencyConversionRepository
	cache RateCache
}

func NewRateService(repo CurrencyConversionRepository, cache RateCache) *RateService {
	return &RateService{repo: repo, cache: cache}
}

func rateKey(crypto, currency string) string {
	return fmt.Sprintf("rates:%s:%s", crypto, currency)
}

func (s *RateService) LatestRate(ctx context.Context, crypto, currency string) (domain.ExchangeRate, error) {
	crypto, currency = strings.ToUpper(crypto), strings.ToUpper(currency)
	key := rateKey(crypto, currency)

	if s.cache != nil {
		data, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			var c cachedRate
			if err := json.Unmarshal([]byte(data), &c); err == nil && c.Rate.IsPositive() {
				return domain.ExchangeRate(c), nil
			}
		case !errors.Is(err, domain.ErrNotFound):
			log.Printf("[RATES] cache get %s failed: %v", key, err)
		}
	}

	r, err := s.repo.Latest(ctx, crypto, currency)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ExchangeRate{}, domain.ErrRateUnavailable
		}
		return domain.ExchangeRate{}, err
	}

	s.store(ctx, *r)
	return *r, nil
}

// Record stores a rate observation. The cache is refreshed from storage so
// a backfilled older rate never replaces a newer one.
func (s *RateService) Record(ctx context.Context, crypto, currency string, rate decimal.Decimal, asOf time.Time) (*domain.ExchangeRate, error) {
	if !rate.IsPositive() {
		return nil, &domain.ValidationError{Field: "rate", Message: "must be positive"}
	}
	if currency == "" {
		return nil, &domain.ValidationError{Field: "currency", Message: "is required"}
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	r := &domain.ExchangeRate{
		Crypto:   strings.ToUpper(crypto),
		Currency: strings.ToUpper(currency),
		Rate:     rate,
		AsOf:     asOf,
	}
	if err := s.repo.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("insert rate: %w", err)
	}

	latest, err := s.repo.Latest(ctx, r.Crypto, r.Currency)
	if err == nil {
		s.store(ctx, *latest)
	}
	log.Printf("[RATES] recorded %s/%s=%s as of %s", r.Crypto, r.Currency, r.Rate, r.AsOf.Format(time.RFC3339))
	return r, nil
}

func (s *RateService) store(ctx context.Context, r domain.ExchangeRate) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(cachedRate(r))
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, rateKey(r.Crypto, r.Currency), string(data), rateCacheTTL); err != nil {
		log.Printf("[RATES] cache set failed: %v", err)
	}
}
