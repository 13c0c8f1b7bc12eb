package domain

import (
	"errors"
	"strings"
	"time"

	"btc-payable/pkg/btc"

	"github.com/shopspring/decimal"
)

// Obligation is a fiat debt settled in bitcoin. Price, Currency and Reason are
// fixed at creation; CryptoAmountDue and ConversionRate are a cache that is
// refreshed against the latest rate and never drives State.
type Obligation struct {
	ID       string
	Price    decimal.Decimal
	Currency string
	Reason   string

	// satoshis still asked for at ConversionRate
	CryptoAmountDue int64
	ConversionRate  decimal.Decimal

	Address string
	State   State
	Payable PayableRef

	Transactions Ledger

	CreatedAt time.Time
	UpdatedAt time.Time
}

type NewObligationParams struct {
	Price    decimal.Decimal
	Currency string
	Reason   string
	Payable  PayableRef
}

// NewObligation validates p and returns a pending obligation. The caller is
// expected to apply a rate before persisting it.
// Prices are stored as numeric(20, 2).
const priceScale = 2

var maxPrice = decimal.New(1, 18)

func NewObligation(p NewObligationParams, defaultCurrency string) (*Obligation, error) {
	if strings.TrimSpace(p.Reason) == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	}
	if !p.Price.IsPositive() {
		return nil, &ValidationError{Field: "price", Message: "is required and must be positive"}
	}
	if !p.Price.Equal(p.Price.Truncate(priceScale)) {
		return nil, &ValidationError{Field: "price", Message: "must have at most 2 decimal places"}
	}
	if p.Price.GreaterThanOrEqual(maxPrice) {
		return nil, &ValidationError{Field: "price", Message: "is too large"}
	}
	if p.Payable.Type == "" || p.Payable.ID == "" {
		return nil, &ValidationError{Field: "payable", Message: "type and id are required"}
	}

	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	return &Obligation{
		Price:    p.Price,
		Currency: currency,
		Reason:   p.Reason,
		State:    StatePending,
		Payable:  p.Payable,
	}, nil
}

// FiatAmountPaid sums every transaction at its own frozen rate and rounds
// the total to whole currency units.
func (o *Obligation) FiatAmountPaid() decimal.Decimal {
	return o.Transactions.FiatTotal().Round(0)
}

// FiatAmountDue is the unpaid part of the price, never below zero.
func (o *Obligation) FiatAmountDue() decimal.Decimal {
	due := o.Price.Sub(o.FiatAmountPaid())
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

func (o *Obligation) Overpaid() decimal.Decimal {
	over := o.FiatAmountPaid().Sub(o.Price)
	if over.IsPositive() {
		return over
	}
	return decimal.Zero
}

// ApplyRate recomputes CryptoAmountDue at rate and records rate as the snapshot.
func (o *Obligation) ApplyRate(rate decimal.Decimal) error {
	amount, err := btc.ExchangePrice(o.FiatAmountDue(), rate)
	if err != nil {
		if errors.Is(err, btc.ErrUnknownRate) {
			return ErrRateUnavailable
		}
		return err
	}
	o.CryptoAmountDue = btc.BitcoinToSatoshis(amount)
	o.ConversionRate = rate
	return nil
}

func (o *Obligation) AssignAddress(address string) error {
	if address == "" {
		return &ValidationError{Field: "address", Message: "is required"}
	}
	if o.Address != "" {
		if o.Address == address {
			return nil
		}
		return ErrAddressAssigned
	}
	o.Address = address
	return nil
}

// Record appends tx to the ledger unless a transaction with the same hash is
// already there. It reports whether tx was appended.
func (o *Obligation) Record(tx Transaction) (bool, error) {
	if o.Transactions.Contains(tx.TxHash) {
		return false, nil
	}
	tx.ID = ""
	tx.ObligationID = o.ID
	if err := o.Transactions.Append(tx); err != nil {
		return false, err
	}
	return true, nil
}
