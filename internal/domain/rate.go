package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is the fiat price of one unit of Crypto as of AsOf.
type ExchangeRate struct {
	ID       int64
	Crypto   string
	Currency string
	Rate     decimal.Decimal
	AsOf     time.Time
}
