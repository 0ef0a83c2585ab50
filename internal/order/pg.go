package order

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps orders in Postgres. ApplyPaymentOutcome runs in one
// transaction holding the order row lock.
type PGStore struct {
	Pool *pgxpool.Pool
}

const orderColumns = `ref, status, amount_minor, currency, payment_id, payment_provider, paid_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o         Order
		status    string
		paymentID sql.NullString
		provider  sql.NullString
		paidAt    sql.NullTime
	)
	if err := row.Scan(&o.Ref, &status, &o.AmountMinorUnits, &o.Currency, &paymentID, &provider, &paidAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	o.Status = Status(status)
	o.PaymentID = paymentID.String
	o.PaymentProvider = provider.String
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	return o, nil
}

func (s PGStore) GetOrder(ctx context.Context, ref string) (Order, error) {
	if s.Pool == nil {
		return Order{}, ErrStoreUnavailable
	}
	return scanOrder(s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE ref = $1`, ref))
}

func (s PGStore) ApplyPaymentOutcome(ctx context.Context, ref string, outcome Outcome, effects []SideEffect) (Applied, error) {
	if s.Pool == nil {
		return Applied{}, ErrStoreUnavailable
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Applied{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE ref = $1 FOR UPDATE`, ref))
	if err != nil {
		return Applied{}, err
	}
	if current.Status != outcome.Expected {
		return Applied{Result: Conflict, Order: current}, nil
	}

	var updated Order
	if outcome.Status == StatusPaid {
		updated, err = scanOrder(tx.QueryRow(ctx, `UPDATE orders SET status = $2, payment_id = $3, payment_provider = $4, paid_at = $5, updated_at = now()
WHERE ref = $1 RETURNING `+orderColumns, ref, string(outcome.Status), outcome.PaymentID, outcome.Provider, outcome.PaidAt.UTC()))
	} else {
		updated, err = scanOrder(tx.QueryRow(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE ref = $1 RETURNING `+orderColumns,
			ref, string(outcome.Status)))
	}
	if err != nil {
		return Applied{}, err
	}
	for _, eff := range effects {
		if _, err := tx.Exec(ctx, `INSERT INTO order_side_effects (order_ref, kind, payload) VALUES ($1, $2, $3)
ON CONFLICT (order_ref, kind) DO NOTHING`, ref, eff.Kind, eff.Payload); err != nil {
			return Applied{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Applied{}, err
	}
	return Applied{Result: Committed, Order: updated}, nil
}

func (s PGStore) CreatePending(ctx context.Context, o Order) (Order, error) {
	if s.Pool == nil {
		return Order{}, ErrStoreUnavailable
	}
	created, err := scanOrder(s.Pool.QueryRow(ctx, `INSERT INTO orders (ref, status, amount_minor, currency) VALUES ($1, $2, $3, $4)
RETURNING `+orderColumns, o.Ref, string(StatusPendingPayment), o.AmountMinorUnits, o.Currency))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Order{}, ErrExists
	}
	return created, err
}

func (s PGStore) Advance(ctx context.Context, ref string, to Status) (Order, error) {
	if s.Pool == nil {
		return Order{}, ErrStoreUnavailable
	}
	current, err := s.GetOrder(ctx, ref)
	if err != nil {
		return Order{}, err
	}
	if !CanAdvance(current.Status, to) {
		return Order{}, ErrInvalidTransition
	}
	updated, err := scanOrder(s.Pool.QueryRow(ctx, `UPDATE orders SET status = $3, updated_at = now()
WHERE ref = $1 AND status = $2 RETURNING `+orderColumns, ref, string(current.Status), string(to)))
	if errors.Is(err, ErrNotFound) {
		return Order{}, ErrInvalidTransition
	}
	return updated, err
}
