package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore writes audit records to payment_events and payment_conflicts.
type PGStore struct {
	Pool *pgxpool.Pool
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s PGStore) InsertEvent(ctx context.Context, rec EventRecord) error {
	if s.Pool == nil {
		return ErrStoreUnavailable
	}
	var payload any
	if json.Valid(rec.Payload) {
		payload = rec.Payload
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO payment_events
(id, provider, provider_payment_id, order_ref, reported_status, status, received_via, amount_minor, currency, payload, request_id, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.Provider, rec.ProviderPaymentID, nullable(rec.OrderRef), rec.ReportedStatus, rec.Status, rec.ReceivedVia,
		rec.AmountMinorUnits, nullable(rec.Currency), payload, nullable(rec.RequestID), rec.ReceivedAt)
	return err
}

func (s PGStore) InsertConflict(ctx context.Context, c Conflict) error {
	if s.Pool == nil {
		return ErrStoreUnavailable
	}
	details, err := json.Marshal(c.Details)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO payment_conflicts
(id, order_ref, provider, provider_payment_id, reason, order_status, event_status, received_via, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, nullable(c.OrderRef), c.Provider, c.ProviderPaymentID, c.Reason, nullable(c.OrderStatus), c.EventStatus, c.ReceivedVia,
		details, c.CreatedAt)
	return err
}

func (s PGStore) ListEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	if s.Pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.Pool.Query(ctx, `SELECT id, provider, provider_payment_id, order_ref, reported_status, status, received_via,
	amount_minor, currency, payload, request_id, received_at
FROM payment_events
WHERE ($1 = '' OR order_ref = $1) AND ($2 = '' OR provider_payment_id = $2)
ORDER BY received_at DESC LIMIT $3 OFFSET $4`, f.OrderRef, f.ProviderPaymentID, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]EventRecord, 0, f.Limit)
	for rows.Next() {
		var (
			rec                           EventRecord
			orderRef, currency, requestID sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.ProviderPaymentID, &orderRef, &rec.ReportedStatus, &rec.Status, &rec.ReceivedVia,
			&rec.AmountMinorUnits, &currency, &rec.Payload, &requestID, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		rec.OrderRef, rec.Currency, rec.RequestID = orderRef.String, currency.String, requestID.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s PGStore) ListConflicts(ctx context.Context, limit, offset int) ([]Conflict, error) {
	if s.Pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.Pool.Query(ctx, `SELECT id, order_ref, provider, provider_payment_id, reason, order_status, event_status, received_via, details, created_at
FROM payment_conflicts ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Conflict, error) {
		var (
			c                     Conflict
			orderRef, orderStatus sql.NullString
			details               []byte
		)
		if err := row.Scan(&c.ID, &orderRef, &c.Provider, &c.ProviderPaymentID, &c.Reason, &orderStatus, &c.EventStatus, &c.ReceivedVia,
			&details, &c.CreatedAt); err != nil {
			return Conflict{}, err
		}
		c.OrderRef, c.OrderStatus = orderRef.String, orderStatus.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &c.Details); err != nil {
				return Conflict{}, err
			}
		}
		return c, nil
	})
}
