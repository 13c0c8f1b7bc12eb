package rest

import (
	"time"

	"btc-payable/internal/domain"
	"btc-payable/internal/service"
	"btc-payable/pkg/btc"

	"github.com/shopspring/decimal"
)

type transactionView struct {
	ID             string          `json:"id"`
	TxHash         string          `json:"tx_hash,omitempty"`
	EstimatedValue int64           `json:"estimated_value"`
	BtcConversion  decimal.Decimal `json:"btc_conversion"`
	FiatValue      decimal.Decimal `json:"fiat_value"`
	ObservedAt     time.Time       `json:"observed_at"`
}

type obligationView struct {
	ID                 string            `json:"id"`
	Price              decimal.Decimal   `json:"price"`
	Currency           string            `json:"currency"`
	Reason             string            `json:"reason"`
	State              domain.State      `json:"state"`
	PayableType        string            `json:"payable_type"`
	PayableID          string            `json:"payable_id"`
	Address            *string           `json:"address"`
	CryptoAmountDue    int64             `json:"crypto_amount_due"`
	CryptoAmountDueBTC decimal.Decimal   `json:"crypto_amount_due_btc"`
	ConversionRate     decimal.Decimal   `json:"conversion_rate"`
	FiatAmountPaid     decimal.Decimal   `json:"fiat_amount_paid"`
	FiatAmountDue      decimal.Decimal   `json:"fiat_amount_due"`
	Overpaid           decimal.Decimal   `json:"overpaid"`
	Transactions       []transactionView `json:"transactions"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func newObligationView(o *domain.Obligation) obligationView {
	v := obligationView{
		ID:                 o.ID,
		Price:              o.Price,
		Currency:           o.Currency,
		Reason:             o.Reason,
		State:              o.State,
		PayableType:        o.Payable.Type,
		PayableID:          o.Payable.ID,
		CryptoAmountDue:    o.CryptoAmountDue,
		CryptoAmountDueBTC: btc.SatoshisToBitcoin(o.CryptoAmountDue),
		ConversionRate:     o.ConversionRate,
		FiatAmountPaid:     o.FiatAmountPaid(),
		FiatAmountDue:      o.FiatAmountDue(),
		Overpaid:           o.Overpaid(),
		Transactions:       make([]transactionView, 0, len(o.Transactions)),
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
	if o.Address != "" {
		addr := o.Address
		v.Address = &addr
	}
	for _, tx := range o.Transactions {
		v.Transactions = append(v.Transactions, transactionView{
			ID:             tx.ID,
			TxHash:         tx.TxHash,
			EstimatedValue: tx.EstimatedValue,
			BtcConversion:  tx.BtcConversion,
			FiatValue:      tx.FiatValue(),
			ObservedAt:     tx.ObservedAt,
		})
	}
	return v
}

type transitionView struct {
	Event domain.Event `json:"event"`
	From  domain.State `json:"from"`
	To    domain.State `json:"to"`
}

type evaluationView struct {
	Obligation obligationView  `json:"obligation"`
	Transition *transitionView `json:"transition"`
	Recorded   int             `json:"recorded"`
	RateStale  bool            `json:"rate_stale"`
}

func newEvaluationView(ev *service.Evaluation) evaluationView {
	v := evaluationView{
		Obligation: newObligationView(ev.Obligation),
		Recorded:   ev.Recorded,
		RateStale:  ev.RateStale,
	}
	if ev.Transition != nil {
		v.Transition = &transitionView{Event: ev.Transition.Event, From: ev.Transition.From, To: ev.Transition.To}
	}
	return v
}

type rateView struct {
	Crypto   string          `json:"crypto"`
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
	AsOf     time.Time       `json:"as_of"`
}

func newRateView(r domain.ExchangeRate) rateView {
	return rateView{Crypto: r.Crypto, Currency: r.Currency, Rate: r.Rate, AsOf: r.AsOf}
}
