package domain

import (
	"time"

	"btc-payable/pkg/btc"

	"github.com/shopspring/decimal"
)

// Transaction is a payment received on an obligation's address. It is written
// once and never updated; BtcConversion is the fiat-per-BTC rate frozen at
// the moment the transaction was recorded.
type Transaction struct {
	ID             string
	ObligationID   string
	TxHash         string
	EstimatedValue int64
	BtcConversion  decimal.Decimal
	ObservedAt     time.Time
}

// FiatValue is the unrounded fiat worth of the transaction at its own rate.
func (t Transaction) FiatValue() decimal.Decimal {
	return btc.SatoshisToBitcoin(t.EstimatedValue).Mul(t.BtcConversion)
}

// Ledger is the append-only list of transactions owned by one obligation,
// in the order they were recorded.
type Ledger []Transaction

func (l Ledger) FiatTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range l {
		sum = sum.Add(tx.FiatValue())
	}
	return sum
}

func (l Ledger) Contains(txHash string) bool {
	if txHash == "" {
		return false
	}
	for _, tx := range l {
		if tx.TxHash == txHash {
			return true
		}
	}
	return false
}

// Unsaved returns the transactions appended since the ledger was loaded.
func (l Ledger) Unsaved() []Transaction {
	var out []Transaction
	for _, tx := range l {
		if tx.ID == "" {
			out = append(out, tx)
		}
	}
	return out
}

func (l *Ledger) Append(tx Transaction) error {
	if tx.EstimatedValue < 0 {
		return &ValidationError{Field: "estimated_value", Message: "must not be negative"}
	}
	if !tx.BtcConversion.IsPositive() {
		return &ValidationError{Field: "btc_conversion", Message: "must be positive"}
	}
	*l = append(*l, tx)
	return nil
}
