package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"btc-payable/internal/config"
	"btc-payable/internal/domain"
	"btc-payable/internal/repository"

	"github.com/shopspring/decimal"
)

type memRepo struct {
	mu    sync.Mutex
	seq   int
	txSeq int
	items map[string]*domain.Obligation
}

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[string]*domain.Obligation)}
}

func clone(o *domain.Obligation) *domain.Obligation {
	c := *o
	c.Transactions = append(domain.Ledger(nil), o.Transactions...)
	return &c
}

func (r *memRepo) Create(_ context.Context, o *domain.Obligation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	o.ID = fmt.Sprintf("obl-%d", r.seq)
	o.CreatedAt = time.Now()
	r.items[o.ID] = clone(o)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*domain.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(o), nil
}

func (r *memRepo) FindIDByAddress(_ context.Context, address string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.items {
		if o.Address == address {
			return id, nil
		}
	}
	return "", domain.ErrNotFound
}

func (r *memRepo) List(_ context.Context, f repository.ObligationsFilter) ([]domain.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Obligation
	for _, o := range r.items {
		if f.State != nil && o.State != *f.State {
			continue
		}
		out = append(out, *clone(o))
	}
	return out, nil
}

func (r *memRepo) HasMoreThan(_ context.Context, limit int64, _ repository.ObligationsFilter) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.items)) > limit, nil
}

func (r *memRepo) SetAddress(_ context.Context, id, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Address != "" {
		return domain.ErrAddressAssigned
	}
	o.Address = address
	return nil
}

func (r *memRepo) Update(_ context.Context, id string, fn func(o *domain.Obligation) error) (*domain.Obligation, error) {
	r.mu.Lock()
	stored, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	work := clone(stored)
	r.mu.Unlock()

	// The service is expected to serialize callers; the window between load
	// and commit is left open so missing serialization shows up as lost rows.
	if err := fn(work); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range work.Transactions {
		if work.Transactions[i].ID == "" {
			r.txSeq++
			work.Transactions[i].ID = fmt.Sprintf("tx-%d", r.txSeq)
		}
	}
	work.UpdatedAt = time.Now()
	r.items[id] = clone(work)
	return clone(work), nil
}

type fakeRates struct {
	mu   sync.Mutex
	rate decimal.Decimal
	err  error
}

func (f *fakeRates) set(rate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = decimal.RequireFromString(rate)
	f.err = nil
}

func (f *fakeRates) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRates) LatestRate(_ context.Context, crypto, currency string) (domain.ExchangeRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.ExchangeRate{}, f.err
	}
	return domain.ExchangeRate{Crypto: crypto, Currency: currency, Rate: f.rate, AsOf: time.Now()}, nil
}

type fakeAddresses struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *fakeAddresses) Reserve(_ context.Context, obligationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[obligationID]++
	if f.err != nil {
		return "", f.err
	}
	return "bc1q" + obligationID, nil
}

type fakeSubscriber struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	err          error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, address)
	return f.err
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, address)
	return f.err
}

type recordingListener struct {
	mu      sync.Mutex
	settled []domain.Obligation
	err     error
}

func (l *recordingListener) OnPaymentSettled(_ context.Context, o domain.Obligation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settled = append(l.settled, o)
	return l.err
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.settled)
}

var errBoom = errors.New("boom")

type fixture struct {
	svc       *ObligationService
	repo      *memRepo
	rates     *fakeRates
	addresses *fakeAddresses
	sub       *fakeSubscriber
	listener  *recordingListener
}

func newFixture(notifications bool) *fixture {
	f := &fixture{
		repo:      newMemRepo(),
		rates:     &fakeRates{},
		addresses: &fakeAddresses{},
		sub:       &fakeSubscriber{},
		listener:  &recordingListener{},
	}
	f.rates.set("250")

	payables := NewPayableRegistry()
	payables.Register("order", f.listener)

	f.svc = NewObligationService(f.repo, f.rates, f.addresses, f.sub, payables, config.PaymentsConfig{
		DefaultCurrency:      "USD",
		CryptoKind:           "BTC",
		NotificationsEnabled: notifications,
		ExternalTimeout:      time.Second,
		ExternalRetries:      1,
	})
	return f
}
