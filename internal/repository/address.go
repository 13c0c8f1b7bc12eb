package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"btc-payable/internal/domain"
)

// AddressPoolRepository hands out pre-generated receiving addresses, one per
// obligation.
type AddressPoolRepository struct {
	db *sql.DB
}

func NewAddressPoolRepository(db *sql.DB) *AddressPoolRepository {
	return &AddressPoolRepository{db: db}
}

// Reserve returns the address held by obligationID, taking a free one from
// the pool on the first call.
func (r *AddressPoolRepository) Reserve(ctx context.Context, obligationID string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var address string
	err = tx.QueryRowContext(ctx, `SELECT address FROM receiving_addresses WHERE obligation_id = $1`, obligationID).Scan(&address)
	if err == nil {
		return address, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE receiving_addresses
		SET obligation_id = $1, reserved_at = now()
		WHERE id = (
			SELECT id FROM receiving_addresses
			WHERE obligation_id IS NULL
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING address`, obligationID).Scan(&address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrAddressPoolEmpty
		}
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return address, nil
}

// Add loads addresses into the pool, skipping ones already known, and
// returns how many were new.
func (r *AddressPoolRepository) Add(ctx context.Context, addresses []string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, a := range addresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO receiving_addresses (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, a)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

func (r *AddressPoolRepository) Available(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receiving_addresses WHERE obligation_id IS NULL`).Scan(&n)
	return n, err
}
