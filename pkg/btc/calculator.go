package btc

import (
	"errors"

	"github.com/shopspring/decimal"
)

// SatoshisPerBitcoin is the number of indivisible units in one bitcoin.
const SatoshisPerBitcoin = 100_000_000

const satoshiExp = -8

var ErrUnknownRate = errors.New("btc: exchange rate must be positive")

// SatoshisToBitcoin converts an amount in satoshis to bitcoin without rounding.
func SatoshisToBitcoin(sats int64) decimal.Decimal {
	return decimal.New(sats, satoshiExp)
}

// BitcoinToSatoshis converts a bitcoin amount to satoshis, rounding any
// sub-satoshi remainder up.
func BitcoinToSatoshis(amount decimal.Decimal) int64 {
	return amount.Shift(-satoshiExp).Ceil().IntPart()
}

// ExchangePrice returns how many bitcoin cover fiat at fiatPerBTC.
func ExchangePrice(fiat, fiatPerBTC decimal.Decimal) (decimal.Decimal, error) {
	if !fiatPerBTC.IsPositive() {
		return decimal.Zero, ErrUnknownRate
	}
	return fiat.Div(fiatPerBTC), nil
}
