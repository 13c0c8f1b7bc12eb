package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"btc-payable/internal/domain"

	"github.com/google/uuid"
)

type ObligationsFilter struct {
	State       *domain.State
	Currency    *string
	PayableType *string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
}

type ObligationRepository struct {
	db *sql.DB
}

func NewObligationRepository(db *sql.DB) *ObligationRepository {
	return &ObligationRepository{db: db}
}

const obligationSelect = `SELECT o.id, o.price, o.currency, o.reason, o.crypto_amount_due, o.conversion_rate, o.address, o.state, o.payable_type, o.payable_id, o.created_at, o.updated_at FROM payment_obligations o`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(row rowScanner) (*domain.Obligation, error) {
	var (
		o       domain.Obligation
		address sql.NullString
		state   string
	)
	if err := row.Scan(
		&o.ID,
		&o.Price,
		&o.Currency,
		&o.Reason,
		&o.CryptoAmountDue,
		&o.ConversionRate,
		&address,
		&state,
		&o.Payable.Type,
		&o.Payable.ID,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if address.Valid {
		o.Address = address.String
	}
	o.State = domain.State(state)
	return &o, nil
}

func (r *ObligationRepository) Create(ctx context.Context, o *domain.Obligation) error {
	id := uuid.NewString()
	query := `
		INSERT INTO payment_obligations
			(id, price, currency, reason, crypto_amount_due, conversion_rate, state, payable_type, payable_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		id,
		o.Price,
		o.Currency,
		o.Reason,
		o.CryptoAmountDue,
		o.ConversionRate,
		string(o.State),
		o.Payable.Type,
		o.Payable.ID,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return err
	}
	o.ID = id
	return nil
}

func (r *ObligationRepository) Get(ctx context.Context, id string) (*domain.Obligation, error) {
	return r.get(ctx, r.db, id, false)
}

func (r *ObligationRepository) get(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Obligation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	query := obligationSelect + ` WHERE o.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	o, err := scanObligation(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	ledgers, err := r.loadTransactions(ctx, q, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Transactions = ledgers[o.ID]
	return o, nil
}

func (r *ObligationRepository) loadTransactions(ctx context.Context, q querier, ids []string) (map[string]domain.Ledger, error) {
	out := make(map[string]domain.Ledger, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, obligation_id, tx_hash, estimated_value, btc_conversion, observed_at
		FROM obligation_transactions
		WHERE obligation_id = ANY($1::uuid[])
		ORDER BY seq`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tx     domain.Transaction
			txHash sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.ObligationID, &txHash, &tx.EstimatedValue, &tx.BtcConversion, &tx.ObservedAt); err != nil {
			return nil, err
		}
		if txHash.Valid {
			tx.TxHash = txHash.String
		}
		out[tx.ObligationID] = append(out[tx.ObligationID], tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ObligationRepository) FindIDByAddress(ctx context.Context, address string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM payment_obligations WHERE address = $1`, address).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// SetAddress assigns the receiving address once; a different address on an
// obligation that already has one is rejected with ErrAddressAssigned.
func (r *ObligationRepository) SetAddress(ctx context.Context, id, address string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_obligations
		SET address = $2, updated_at = now()
		WHERE id = $1 AND address IS NULL`, id, address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT address FROM payment_obligations WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	if current.Valid && current.String == address {
		return nil
	}
	return domain.ErrAddressAssigned
}

func (r *ObligationRepository) Update(ctx context.Context, id string, fn func(o *domain.Obligation) error) (*domain.Obligation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := r.get(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	if err := fn(o); err != nil {
		return nil, err
	}

	for i := range o.Transactions {
		t := &o.Transactions[i]
		if t.ID != "" {
			continue
		}
		t.ID = uuid.NewString()
		t.ObligationID = o.ID

		var txHash sql.NullString
		if t.TxHash != "" {
			txHash = sql.NullString{String: t.TxHash, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO obligation_transactions (id, obligation_id, tx_hash, estimated_value, btc_conversion, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			t.ID, t.ObligationID, txHash, t.EstimatedValue, t.BtcConversion, t.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("insert transaction: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE payment_obligations
		SET crypto_amount_due = $2, conversion_rate = $3, state = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		o.ID, o.CryptoAmountDue, o.ConversionRate, string(o.State),
	).Scan(&o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update obligation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

func buildObligationsWhere(f ObligationsFilter, args []any) (string, []any) {
	where := []string{"1=1"}
	i := len(args) + 1

	if f.State != nil {
		where = append(where, fmt.Sprintf("o.state = $%d", i))
		args = append(args, string(*f.State))
		i++
	}
	if f.Currency != nil && *f.Currency != "" {
		where = append(where, fmt.Sprintf("o.currency = $%d", i))
		args = append(args, strings.ToUpper(*f.Currency))
		i++
	}
	if f.PayableType != nil && *f.PayableType != "" {
		where = append(where, fmt.Sprintf("o.payable_type = $%d", i))
		args = append(args, *f.PayableType)
		i++
	}
	if f.CreatedFrom != nil {
		where = append(where, fmt.Sprintf("o.created_at >= $%d", i))
		args = append(args, *f.CreatedFrom)
		i++
	}
	if f.CreatedTo != nil {
		where = append(where, fmt.Sprintf("o.created_at <= $%d", i))
		args = append(args, *f.CreatedTo)
		i++
	}

	return " WHERE " + strings.Join(where, " AND "), args
}

func (r *ObligationRepository) List(ctx context.Context, f ObligationsFilter) ([]domain.Obligation, error) {
	where, args := buildObligationsWhere(f, nil)
	query := obligationSelect + where + " ORDER BY o.created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []domain.Obligation
		ids []string
	)
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ledgers, err := r.loadTransactions(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Transactions = ledgers[out[i].ID]
	}
	return out, nil
}

func (r *ObligationRepository) HasMoreThan(ctx context.Context, limit int64, f ObligationsFilter) (bool, error) {
	where, args := buildObligationsWhere(f, []any{limit})
	query := `SELECT COUNT(*) > $1 FROM payment_obligations o` + where

	var tooMany bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&tooMany); err != nil {
		return false, err
	}
	return tooMany, nil
}
