package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"btc-payable/internal/config"
	"btc-payable/internal/domain"
	"btc-payable/internal/repository"

	"github.com/shopspring/decimal"
)

type ObligationRepository interface {
	Create(ctx context.Context, o *domain.Obligation) error
	Get(ctx context.Context, id string) (*domain.Obligation, error)
	FindIDByAddress(ctx context.Context, address string) (string, error)
	List(ctx context.Context, f repository.ObligationsFilter) ([]domain.Obligation, error)
	SetAddress(ctx context.Context, id, address string) error
	// Update loads the obligation under a row lock, applies fn and persists
	// the result together with any transactions fn appended.
	Update(ctx context.Context, id string, fn func(o *domain.Obligation) error) (*domain.Obligation, error)
}

type RateSource interface {
	LatestRate(ctx context.Context, crypto, currency string) (domain.ExchangeRate, error)
}

type AddressProvider interface {
	Reserve(ctx context.Context, obligationID string) (string, error)
}

type NotificationSubscriber interface {
	Subscribe(ctx context.Context, address string) error
	Unsubscribe(ctx context.Context, address string) error
}

// ObservedTransaction is an incoming payment as reported by the watcher.
// A nil Rate freezes the transaction at the latest known rate.
type ObservedTransaction struct {
	TxHash         string
	EstimatedValue int64
	ObservedAt     time.Time
	Rate           *decimal.Decimal
}

// Evaluation is the outcome of one serialized step on an obligation.
type Evaluation struct {
	Obligation *domain.Obligation
	Transition *domain.Transition
	Recorded   int
	// RateStale is set when the crypto amount due could not be refreshed.
	RateStale bool
}

type ObligationService struct {
	repo       ObligationRepository
	rates      RateSource
	addresses  AddressProvider
	subscriber NotificationSubscriber
	payables   *PayableRegistry
	cfg        config.PaymentsConfig
	locks      *keyedMutex
}

// NewObligationService wires the service. subscriber is ignored unless
// notifications are enabled in cfg.
func NewObligationService(
	repo ObligationRepository,
	rates RateSource,
	addresses AddressProvider,
	subscriber NotificationSubscriber,
	payables *PayableRegistry,
	cfg config.PaymentsConfig,
) *ObligationService {
	if !cfg.NotificationsEnabled {
		subscriber = nil
	}
	return &ObligationService{
		repo:       repo,
		rates:      rates,
		addresses:  addresses,
		subscriber: subscriber,
		payables:   payables,
		cfg:        cfg,
		locks:      newKeyedMutex(),
	}
}

// Create validates and stores a new obligation, then reserves its receiving
// address. If the address step fails the stored obligation is returned with
// the error so the caller can retry EnsureAddress.
func (s *ObligationService) Create(ctx context.Context, p domain.NewObligationParams) (*domain.Obligation, error) {
	o, err := domain.NewObligation(p, s.cfg.DefaultCurrency)
	if err != nil {
		return nil, err
	}

	rate, err := s.latestRate(ctx, o.Currency)
	if err != nil {
		return nil, err
	}
	if err := o.ApplyRate(rate.Rate); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create obligation: %w", err)
	}
	log.Printf("[OBLIGATION] created %s for %s price=%s %s", o.ID, o.Payable.Key(), o.Price, o.Currency)

	withAddr, err := s.EnsureAddress(ctx, o.ID)
	if err != nil {
		return o, err
	}
	return withAddr, nil
}

// EnsureAddress reserves and assigns a receiving address if the obligation
// has none yet, subscribing it for transaction notifications.
func (s *ObligationService) EnsureAddress(ctx context.Context, id string) (*domain.Obligation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Address != "" {
		return o, nil
	}

	var address string
	err = callWithRetry(ctx, s.cfg.ExternalRetries, s.cfg.ExternalTimeout, func(ctx context.Context) error {
		var err error
		address, err = s.addresses.Reserve(ctx, id)
		return err
	})
	if err != nil {
		return o, fmt.Errorf("reserve address for %s: %w", id, err)
	}

	if err := o.AssignAddress(address); err != nil {
		return o, err
	}
	if err := s.repo.SetAddress(ctx, id, address); err != nil {
		return o, fmt.Errorf("set address for %s: %w", id, err)
	}

	// settled obligations expect no more payments
	if s.subscriber != nil && !o.State.Settled() {
		s.notify(ctx, "subscribe", address, s.subscriber.Subscribe)
	}
	return o, nil
}

func (s *ObligationService) Get(ctx context.Context, id string) (*domain.Obligation, error) {
	return s.repo.Get(ctx, id)
}

func (s *ObligationService) List(ctx context.Context, f repository.ObligationsFilter) ([]domain.Obligation, error) {
	return s.repo.List(ctx, f)
}

// RecordTransactions appends observed transactions and re-evaluates the
// obligation in one critical section.
func (s *ObligationService) RecordTransactions(ctx context.Context, id string, observed []ObservedTransaction) (*Evaluation, error) {
	if len(observed) == 0 {
		return nil, &domain.ValidationError{Field: "transactions", Message: "at least one transaction is required"}
	}
	for _, ob := range observed {
		if ob.EstimatedValue < 0 {
			return nil, &domain.ValidationError{Field: "estimated_value", Message: "must not be negative"}
		}
	}
	return s.evaluate(ctx, id, observed)
}

// RecordByAddress is RecordTransactions for watchers that only know the
// address. Watchers redeliver, so every transaction needs a hash to dedupe on,
// and the rate is always the service's own.
func (s *ObligationService) RecordByAddress(ctx context.Context, address string, observed []ObservedTransaction) (*Evaluation, error) {
	for _, ob := range observed {
		if strings.TrimSpace(ob.TxHash) == "" {
			return nil, &domain.ValidationError{Field: "tx_hash", Message: "is required"}
		}
		if ob.Rate != nil {
			return nil, &domain.ValidationError{Field: "btc_conversion", Message: "cannot be set by the watcher"}
		}
	}
	id, err := s.repo.FindIDByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.RecordTransactions(ctx, id, observed)
}

// OnNewTransactionsObserved refreshes the crypto amount due and re-evaluates
// the lifecycle. A missing rate only marks the result stale.
func (s *ObligationService) OnNewTransactionsObserved(ctx context.Context, id string) (*Evaluation, error) {
	return s.evaluate(ctx, id, nil)
}

func (s *ObligationService) evaluate(ctx context.Context, id string, observed []ObservedTransaction) (*Evaluation, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rate, rateErr := s.latestRate(ctx, current.Currency)
	if rateErr != nil {
		for _, ob := range observed {
			if ob.Rate == nil {
				return nil, rateErr
			}
		}
		log.Printf("[OBLIGATION] %s: crypto amount due not refreshed: %v", id, rateErr)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	ev := &Evaluation{RateStale: rateErr != nil}
	updated, err := s.repo.Update(ctx, id, func(o *domain.Obligation) error {
		ev.Recorded = 0
		ev.Transition = nil

		for _, ob := range observed {
			frozen := rate.Rate
			if ob.Rate != nil {
				frozen = *ob.Rate
			}
			observedAt := ob.ObservedAt
			if observedAt.IsZero() {
				observedAt = time.Now().UTC()
			}

			added, err := o.Record(domain.Transaction{
				TxHash:         ob.TxHash,
				EstimatedValue: ob.EstimatedValue,
				BtcConversion:  frozen,
				ObservedAt:     observedAt,
			})
			if err != nil {
				return err
			}
			if added {
				ev.Recorded++
			}
		}

		if rateErr == nil {
			if err := o.ApplyRate(rate.Rate); err != nil {
				ev.RateStale = true
			}
		}

		if t, ok := o.CheckIfPaid(); ok {
			ev.Transition = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev.Obligation = updated
	s.afterTransition(ctx, updated, ev.Transition)
	return ev, nil
}

// CheckIfPaid re-evaluates the lifecycle without touching the rate cache.
func (s *ObligationService) CheckIfPaid(ctx context.Context, id string) (*Evaluation, error) {
	return s.transition(ctx, id, (*domain.Obligation).CheckIfPaid)
}

// Comp marks the obligation settled without payment.
func (s *ObligationService) Comp(ctx context.Context, id string) (*Evaluation, error) {
	return s.transition(ctx, id, (*domain.Obligation).Comp)
}

func (s *ObligationService) transition(ctx context.Context, id string, fire func(*domain.Obligation) (domain.Transition, bool)) (*Evaluation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ev := &Evaluation{}
	updated, err := s.repo.Update(ctx, id, func(o *domain.Obligation) error {
		ev.Transition = nil
		if t, ok := fire(o); ok {
			ev.Transition = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev.Obligation = updated
	s.afterTransition(ctx, updated, ev.Transition)
	return ev, nil
}

// RecomputeCryptoAmountDue refreshes the cached crypto amount due against
// the latest rate.
func (s *ObligationService) RecomputeCryptoAmountDue(ctx context.Context, id string) (*domain.Obligation, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rate, err := s.latestRate(ctx, current.Currency)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	return s.repo.Update(ctx, id, func(o *domain.Obligation) error {
		return o.ApplyRate(rate.Rate)
	})
}

func (s *ObligationService) latestRate(ctx context.Context, currency string) (domain.ExchangeRate, error) {
	var rate domain.ExchangeRate
	err := callWithRetry(ctx, s.cfg.ExternalRetries, s.cfg.ExternalTimeout, func(ctx context.Context) error {
		var err error
		rate, err = s.rates.LatestRate(ctx, s.cfg.CryptoKind, currency)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrRateUnavailable) {
			return rate, err
		}
		return rate, fmt.Errorf("latest %s/%s rate: %w", s.cfg.CryptoKind, currency, err)
	}
	return rate, nil
}

// afterTransition runs the hooks of a committed transition. None of them can
// undo it.
func (s *ObligationService) afterTransition(ctx context.Context, o *domain.Obligation, t *domain.Transition) {
	if t == nil {
		return
	}
	log.Printf("[OBLIGATION] %s %s: %s -> %s (paid=%s of %s %s)", o.ID, t.Event, t.From, t.To, o.FiatAmountPaid(), o.Price, o.Currency)

	ctx = context.WithoutCancel(ctx)

	if t.To.Settled() {
		if l := s.payables.Listener(o.Payable.Type); l != nil {
			err := callWithTimeout(ctx, s.cfg.ExternalTimeout, func(ctx context.Context) error {
				return l.OnPaymentSettled(ctx, *o)
			})
			if err != nil {
				log.Printf("[OBLIGATION] %s: notify payable %s failed: %v", o.ID, o.Payable.Key(), err)
			}
		}
	}

	if t.To == domain.StatePaidInFull && s.subscriber != nil && o.Address != "" {
		s.notify(ctx, "unsubscribe", o.Address, s.subscriber.Unsubscribe)
	}
}

func (s *ObligationService) notify(ctx context.Context, op, address string, call func(ctx context.Context, address string) error) {
	err := callWithRetry(ctx, s.cfg.ExternalRetries, s.cfg.ExternalTimeout, func(ctx context.Context) error {
		return call(ctx, address)
	})
	if err != nil {
		log.Printf("[NOTIFY] %s %s failed: %v", op, address, err)
	}
}
