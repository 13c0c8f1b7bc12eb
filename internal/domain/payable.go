package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PayableRef points at the entity that owns an obligation, e.g. an order.
type PayableRef struct {
	Type string
	ID   string
}

func (p PayableRef) Key() string {
	return p.Type + ":" + p.ID
}

// SettlementListener is implemented by payable types that want to know when
// their obligation is paid in full or comped.
type SettlementListener interface {
	OnPaymentSettled(ctx context.Context, o Obligation) error
}

// SettlementEvent is the payload published to payable listeners.
type SettlementEvent struct {
	ObligationID   string          `json:"obligation_id"`
	PayableType    string          `json:"payable_type"`
	PayableID      string          `json:"payable_id"`
	State          State           `json:"state"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	FiatAmountPaid decimal.Decimal `json:"fiat_amount_paid"`
	Overpaid       decimal.Decimal `json:"overpaid"`
	Address        string          `json:"address,omitempty"`
	SettledAt      time.Time       `json:"settled_at"`
}

func NewSettlementEvent(o Obligation) SettlementEvent {
	return SettlementEvent{
		ObligationID:   o.ID,
		PayableType:    o.Payable.Type,
		PayableID:      o.Payable.ID,
		State:          o.State,
		Price:          o.Price,
		Currency:       o.Currency,
		FiatAmountPaid: o.FiatAmountPaid(),
		Overpaid:       o.Overpaid(),
		Address:        o.Address,
		SettledAt:      o.UpdatedAt,
	}
}
