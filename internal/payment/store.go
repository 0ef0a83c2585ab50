package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IntentStore persists intents so poll and redirect events can be traced back
// to their order. Intents are never deleted.
type IntentStore interface {
	Save(ctx context.Context, intent PaymentIntent) error
	Get(ctx context.Context, provider Provider, id string) (PaymentIntent, error)
	// FindLive returns the newest non-terminal intent for orderRef with provider.
	FindLive(ctx context.Context, provider Provider, orderRef string) (PaymentIntent, bool, error)
	// UpdateStatus moves the intent to status when the stored status allows it
	// (see IntentStatus.CanMoveTo); otherwise it is a no-op.
	UpdateStatus(ctx context.Context, provider Provider, id string, status IntentStatus) error
}

// MemoryIntentStore keeps intents in process memory.
type MemoryIntentStore struct {
	mu      sync.RWMutex
	intents map[string]PaymentIntent
}

// NewMemoryIntentStore constructs an empty store.
func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{intents: make(map[string]PaymentIntent)}
}

func intentKey(p Provider, id string) string { return string(p) + "|" + id }

func (s *MemoryIntentStore) Save(_ context.Context, intent PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	intent.Metadata = copyMetadata(intent.Metadata)
	key := intentKey(intent.Provider, intent.ID)
	if existing, ok := s.intents[key]; ok {
		// order reference is immutable once set
		intent.OrderRef = existing.OrderRef
		intent.CreatedAt = existing.CreatedAt
		if intent.Status != existing.Status && !existing.Status.CanMoveTo(intent.Status) {
			intent.Status = existing.Status
		}
	}
	s.intents[key] = intent
	return nil
}

func (s *MemoryIntentStore) Get(_ context.Context, provider Provider, id string) (PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[intentKey(provider, id)]
	if !ok {
		return PaymentIntent{}, ErrIntentNotFound
	}
	intent.Metadata = copyMetadata(intent.Metadata)
	return intent, nil
}

func (s *MemoryIntentStore) FindLive(_ context.Context, provider Provider, orderRef string) (PaymentIntent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var live []PaymentIntent
	for _, intent := range s.intents {
		if intent.Provider == provider && intent.OrderRef == orderRef && !intent.Status.Terminal() {
			live = append(live, intent)
		}
	}
	if len(live) == 0 {
		return PaymentIntent{}, false, nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.After(live[j].CreatedAt) })
	return live[0], true, nil
}

func (s *MemoryIntentStore) UpdateStatus(_ context.Context, provider Provider, id string, status IntentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := intentKey(provider, id)
	intent, ok := s.intents[key]
	if !ok {
		return ErrIntentNotFound
	}
	if !intent.Status.CanMoveTo(status) {
		return nil
	}
	intent.Status = status
	intent.UpdatedAt = time.Now().UTC()
	s.intents[key] = intent
	return nil
}

// PGIntentStore stores intents in the payment_intents table.
type PGIntentStore struct {
	Pool *pgxpool.Pool
}

// ErrStoreUnavailable indicates the database pool is not configured.
var ErrStoreUnavailable = errors.New("payment: intent store unavailable")

const intentColumns = `id, provider, order_ref, reference, amount_minor, currency, status, metadata, client_secret, redirect_url, created_at, updated_at`

func (s PGIntentStore) Save(ctx context.Context, intent PaymentIntent) error {
	if s.Pool == nil {
		return ErrStoreUnavailable
	}
	meta, err := json.Marshal(intent.Metadata)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO payment_intents (id, provider, order_ref, reference, amount_minor, currency, status, metadata, client_secret, redirect_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (provider, id) DO UPDATE SET status = CASE WHEN `+movableSQL("payment_intents.status", "EXCLUDED.status")+`
		THEN EXCLUDED.status ELSE payment_intents.status END, client_secret = EXCLUDED.client_secret,
	redirect_url = EXCLUDED.redirect_url, updated_at = now()`,
		intent.ID, string(intent.Provider), intent.OrderRef, intent.Reference, intent.AmountMinorUnits, intent.Currency,
		string(intent.Status), meta, intent.ClientSecret, intent.RedirectURL)
	return err
}

func (s PGIntentStore) Get(ctx context.Context, provider Provider, id string) (PaymentIntent, error) {
	if s.Pool == nil {
		return PaymentIntent{}, ErrStoreUnavailable
	}
	row := s.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE provider = $1 AND id = $2`, string(provider), id)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentIntent{}, ErrIntentNotFound
	}
	return intent, err
}

func (s PGIntentStore) FindLive(ctx context.Context, provider Provider, orderRef string) (PaymentIntent, bool, error) {
	if s.Pool == nil {
		return PaymentIntent{}, false, ErrStoreUnavailable
	}
	row := s.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE provider = $1 AND order_ref = $2 AND status IN ('CREATED', 'REQUIRES_ACTION')
ORDER BY created_at DESC LIMIT 1`, string(provider), orderRef)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentIntent{}, false, nil
	}
	if err != nil {
		return PaymentIntent{}, false, err
	}
	return intent, true, nil
}

func (s PGIntentStore) UpdateStatus(ctx context.Context, provider Provider, id string, status IntentStatus) error {
	if s.Pool == nil {
		return ErrStoreUnavailable
	}
	var current string
	err := s.Pool.QueryRow(ctx, `UPDATE payment_intents SET status = $3, updated_at = now()
WHERE provider = $1 AND id = $2 AND `+movableSQL("status", "$3::text")+`
RETURNING status`, string(provider), id, string(status)).Scan(&current)
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	// nothing moved: either the intent is missing or its status is final
	err = s.Pool.QueryRow(ctx, `SELECT status FROM payment_intents WHERE provider = $1 AND id = $2`,
		string(provider), id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrIntentNotFound
	}
	return err
}

// movableSQL mirrors IntentStatus.CanMoveTo for a row's current status.
func movableSQL(current, next string) string {
	return `(` + current + ` <> ` + next + ` AND (` + current + ` IN ('CREATED', 'REQUIRES_ACTION')
	OR (` + current + ` IN ('FAILED', 'CANCELED') AND ` + next + ` = 'SUCCEEDED')))`
}

func scanIntent(row pgx.Row) (PaymentIntent, error) {
	var (
		intent   PaymentIntent
		provider string
		status   string
		meta     []byte
	)
	if err := row.Scan(&intent.ID, &provider, &intent.OrderRef, &intent.Reference, &intent.AmountMinorUnits, &intent.Currency,
		&status, &meta, &intent.ClientSecret, &intent.RedirectURL, &intent.CreatedAt, &intent.UpdatedAt); err != nil {
		return PaymentIntent{}, err
	}
	intent.Provider = Provider(provider)
	intent.Status = IntentStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &intent.Metadata); err != nil {
			return PaymentIntent{}, err
		}
	}
	return intent, nil
}
