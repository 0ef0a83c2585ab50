package order

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. A single mutex makes every apply atomic.
type MemoryStore struct {
	mu      sync.Mutex
	orders  map[string]Order
	effects map[string][]SideEffect
	now     func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]Order), effects: make(map[string][]SideEffect), now: time.Now}
}

// Put inserts or replaces an order.
func (s *MemoryStore) Put(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = s.now().UTC()
	}
	s.orders[o.Ref] = o
}

func (s *MemoryStore) GetOrder(_ context.Context, ref string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[ref]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (s *MemoryStore) ApplyPaymentOutcome(_ context.Context, ref string, outcome Outcome, effects []SideEffect) (Applied, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[ref]
	if !ok {
		return Applied{}, ErrNotFound
	}
	if o.Status != outcome.Expected {
		return Applied{Result: Conflict, Order: o}, nil
	}
	o.Status = outcome.Status
	o.UpdatedAt = s.now().UTC()
	if outcome.Status == StatusPaid {
		paidAt := outcome.PaidAt.UTC()
		o.PaymentID = outcome.PaymentID
		o.PaymentProvider = outcome.Provider
		o.PaidAt = &paidAt
	}
	existing := s.effects[ref]
	for _, eff := range effects {
		if !hasKind(existing, eff.Kind) {
			existing = append(existing, eff)
		}
	}
	s.effects[ref] = existing
	s.orders[ref] = o
	return Applied{Result: Committed, Order: o}, nil
}

// SideEffects returns the effects recorded for ref.
func (s *MemoryStore) SideEffects(ref string) []SideEffect {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SideEffect, len(s.effects[ref]))
	copy(out, s.effects[ref])
	return out
}

func (s *MemoryStore) CreatePending(_ context.Context, o Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.Ref]; ok {
		return Order{}, ErrExists
	}
	o.Status = StatusPendingPayment
	o.UpdatedAt = s.now().UTC()
	s.orders[o.Ref] = o
	return o, nil
}

func (s *MemoryStore) Advance(_ context.Context, ref string, to Status) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[ref]
	if !ok {
		return Order{}, ErrNotFound
	}
	if !CanAdvance(o.Status, to) {
		return Order{}, ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = s.now().UTC()
	s.orders[ref] = o
	return o, nil
}

func hasKind(effects []SideEffect, kind string) bool {
	for _, e := range effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
