package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"btc-payable/internal/domain"

	"github.com/shopspring/decimal"
)

// RateFeed fetches spot prices from a Coinbase-style endpoint. The URL may
// contain {crypto} and {currency} placeholders.
type RateFeed struct {
	url  string
	http *http.Client
}

func NewRateFeed(url string, timeout time.Duration) *RateFeed {
	return &RateFeed{url: url, http: &http.Client{Timeout: timeout}}
}

type SpotPrice struct {
	Crypto   string
	Currency string
	Amount   decimal.Decimal
}

type spotResponse struct {
	Data struct {
		Base     string          `json:"base"`
		Currency string          `json:"currency"`
		Amount   decimal.Decimal `json:"amount"`
	} `json:"data"`
}

func (f *RateFeed) endpoint(crypto, currency string) string {
	return strings.NewReplacer("{crypto}", crypto, "{currency}", currency).Replace(f.url)
}

func (f *RateFeed) Fetch(ctx context.Context, crypto, currency string) (SpotPrice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint(crypto, currency), nil)
	if err != nil {
		return SpotPrice{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return SpotPrice{}, fmt.Errorf("fetch spot price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SpotPrice{}, fmt.Errorf("fetch spot price: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var body spotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return SpotPrice{}, fmt.Errorf("decode spot price: %w", err)
	}
	if !body.Data.Amount.IsPositive() {
		return SpotPrice{}, fmt.Errorf("spot price for %s-%s is not positive: %s", crypto, currency, body.Data.Amount)
	}

	p := SpotPrice{
		Crypto:   strings.ToUpper(body.Data.Base),
		Currency: strings.ToUpper(body.Data.Currency),
		Amount:   body.Data.Amount,
	}
	if p.Crypto == "" {
		p.Crypto = strings.ToUpper(crypto)
	}
	if p.Currency == "" {
		p.Currency = strings.ToUpper(currency)
	}
	if p.Currency != strings.ToUpper(currency) {
		return SpotPrice{}, fmt.Errorf("spot price currency mismatch: asked %s, got %s", currency, p.Currency)
	}
	return p, nil
}

type RateRecorder interface {
	Record(ctx context.Context, crypto, currency string, rate decimal.Decimal, asOf time.Time) (*domain.ExchangeRate, error)
}

// Poll records a spot price for every currency once per interval until ctx
// is done. Failures are logged and retried on the next tick.
func (f *RateFeed) Poll(ctx context.Context, interval time.Duration, crypto string, currencies []string, sink RateRecorder) {
	tick := func() {
		for _, cur := range currencies {
			p, err := f.Fetch(ctx, crypto, cur)
			if err != nil {
				log.Printf("[RATES] feed %s/%s: %v", crypto, cur, err)
				continue
			}
			if _, err := sink.Record(ctx, p.Crypto, p.Currency, p.Amount, time.Now().UTC()); err != nil {
				log.Printf("[RATES] record %s/%s: %v", p.Crypto, p.Currency, err)
			}
		}
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
