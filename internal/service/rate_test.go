package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"btc-payable/internal/domain"

	"github.com/shopspring/decimal"
)

type memRates struct {
	mu      sync.Mutex
	rows    []domain.ExchangeRate
	latests int
}

func (m *memRates) Latest(_ context.Context, crypto, currency string) (*domain.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latests++
	var match []domain.ExchangeRate
	for _, r := range m.rows {
		if r.Crypto == crypto && r.Currency == currency {
			match = append(match, r)
		}
	}
	if len(match) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(match, func(i, j int) bool { return match[i].AsOf.After(match[j].AsOf) })
	return &match[0], nil
}

func (m *memRates) Insert(_ context.Context, r *domain.ExchangeRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, *r)
	return nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (c *memCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]string)
	}
	c.data[key] = value.(string)
	return nil
}

func TestRateService_Unavailable(t *testing.T) {
	s := NewRateService(&memRates{}, nil)
	if _, err := s.LatestRate(context.Background(), "BTC", "USD"); !errors.Is(err, domain.ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestRateService_RecordAndServeFromCache(t *testing.T) {
	repo := &memRates{}
	cache := &memCache{}
	s := NewRateService(repo, cache)
	ctx := context.Background()

	if _, err := s.Record(ctx, "btc", "usd", decimal.RequireFromString("64000.5"), time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}

	before := repo.latests
	r, err := s.LatestRate(ctx, "BTC", "USD")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !r.Rate.Equal(decimal.RequireFromString("64000.5")) || r.Crypto != "BTC" || r.Currency != "USD" {
		t.Fatalf("unexpected rate %+v", r)
	}
	if repo.latests != before {
		t.Fatal("expected cache hit, storage was queried")
	}
}

func TestRateService_BackfillDoesNotReplaceNewer(t *testing.T) {
	repo := &memRates{}
	s := NewRateService(repo, &memCache{})
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Record(ctx, "BTC", "USD", decimal.NewFromInt(300), now)
	_, _ = s.Record(ctx, "BTC", "USD", decimal.NewFromInt(200), now.Add(-time.Hour))

	r, err := s.LatestRate(ctx, "BTC", "USD")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !r.Rate.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected newest rate 300, got %s", r.Rate)
	}
}

func TestRateService_RejectsNonPositive(t *testing.T) {
	s := NewRateService(&memRates{}, nil)
	var ve *domain.ValidationError
	if _, err := s.Record(context.Background(), "BTC", "USD", decimal.Zero, time.Time{}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
