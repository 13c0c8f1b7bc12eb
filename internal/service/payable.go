package service

import (
	"context"
	"errors"
	"sync"

	"btc-payable/internal/domain"
)

// PayableRegistry resolves the settlement listener for a payable type. Types
// without a listener resolve to nil and are skipped.
type PayableRegistry struct {
	mu        sync.RWMutex
	listeners map[string]domain.SettlementListener
}

func NewPayableRegistry() *PayableRegistry {
	return &PayableRegistry{listeners: make(map[string]domain.SettlementListener)}
}

func (r *PayableRegistry) Register(payableType string, l domain.SettlementListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[payableType] = l
}

func (r *PayableRegistry) Listener(payableType string) domain.SettlementListener {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listeners[payableType]
}

// FanOut delivers a settlement to every listener and joins their errors.
type FanOut []domain.SettlementListener

func (f FanOut) OnPaymentSettled(ctx context.Context, o domain.Obligation) error {
	var errs []error
	for _, l := range f {
		if l == nil {
			continue
		}
		if err := l.OnPaymentSettled(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
