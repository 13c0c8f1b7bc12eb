package repository

import (
	"context"
	"database/sql"
	"errors"

	"btc-payable/internal/domain"
)

type CurrencyConversionRepository struct {
	db *sql.DB
}

func NewCurrencyConversionRepository(db *sql.DB) *CurrencyConversionRepository {
	return &CurrencyConversionRepository{db: db}
}

func (r *CurrencyConversionRepository) Latest(ctx context.Context, crypto, currency string) (*domain.ExchangeRate, error) {
	query := `
		SELECT id, crypto, currency, rate, as_of
		FROM currency_conversions
		WHERE crypto = $1 AND currency = $2
		ORDER BY as_of DESC, id DESC
		LIMIT 1`

	var rate domain.ExchangeRate
	err := r.db.QueryRowContext(ctx, query, crypto, currency).Scan(
		&rate.ID,
		&rate.Crypto,
		&rate.Currency,
		&rate.Rate,
		&rate.AsOf,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rate, nil
}

func (r *CurrencyConversionRepository) Insert(ctx context.Context, rate *domain.ExchangeRate) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO currency_conversions (crypto, currency, rate, as_of)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		rate.Crypto, rate.Currency, rate.Rate, rate.AsOf,
	).Scan(&rate.ID)
}
