package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"btc-payable/internal/domain"

	"github.com/shopspring/decimal"
)

func TestRateFeed_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/prices/BTC-EUR/spot" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"base":"BTC","currency":"EUR","amount":"61234.56"}}`))
	}))
	defer server.Close()

	feed := NewRateFeed(server.URL+"/v2/prices/{crypto}-{currency}/spot", time.Second)
	p, err := feed.Fetch(context.Background(), "BTC", "EUR")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.Crypto != "BTC" || p.Currency != "EUR" || !p.Amount.Equal(decimal.RequireFromString("61234.56")) {
		t.Fatalf("unexpected price %+v", p)
	}
}

func TestRateFeed_Fetch_Rejects(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":      {http.StatusBadGateway, `upstream down`},
		"zero amount":       {http.StatusOK, `{"data":{"base":"BTC","currency":"USD","amount":"0"}}`},
		"currency mismatch": {http.StatusOK, `{"data":{"base":"BTC","currency":"EUR","amount":"10"}}`},
		"garbage":           {http.StatusOK, `not json`},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			if _, err := NewRateFeed(server.URL, time.Second).Fetch(context.Background(), "BTC", "USD"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type recordedRates struct {
	mu    sync.Mutex
	rates []string
}

func (r *recordedRates) Record(ctx context.Context, crypto, currency string, rate decimal.Decimal, asOf time.Time) (*domain.ExchangeRate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = append(r.rates, crypto+"/"+currency+"="+rate.String())
	return &domain.ExchangeRate{Crypto: crypto, Currency: currency, Rate: rate, AsOf: asOf}, nil
}

func (r *recordedRates) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rates)
}

func TestRateFeed_PollRecordsImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"base":"BTC","currency":"USD","amount":"50000"}}`))
	}))
	defer server.Close()

	sink := &recordedRates{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRateFeed(server.URL, time.Second).Poll(ctx, time.Hour, "BTC", []string{"USD"}, sink)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if sink.count() != 1 || sink.rates[0] != "BTC/USD=50000" {
		t.Fatalf("unexpected recorded rates %v", sink.rates)
	}
}
