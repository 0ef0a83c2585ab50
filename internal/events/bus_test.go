package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paybridge/internal/events"
)

type stubStore struct {
	last events.Event
}

func (s *stubStore) InsertEvent(_ context.Context, ev events.Event) (events.Event, error) {
	s.last = ev
	return ev, nil
}

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{notifier}, Now: func() time.Time { return now }}

	ev, err := bus.Emit(context.Background(), events.TopicOrderPaid, "ORD-1", map[string]any{"paymentId": "BILL-9"})
	require.NoError(t, err)
	require.Equal(t, events.TopicOrderPaid, store.last.Topic)
	require.Equal(t, "ORD-1", store.last.AggregateID)
	require.JSONEq(t, `{"paymentId":"BILL-9"}`, string(store.last.Payload))
	require.Equal(t, now, ev.OccurredAt)
	require.Len(t, notifier.events, 1)
	require.Equal(t, ev.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
	require.Equal(t, "BILL-9", decoded["paymentId"])
}

func TestEmitJoinsNotifierFailuresAndKeepsGoing(t *testing.T) {
	failing := &captureNotifier{err: errors.New("broker down")}
	healthy := &captureNotifier{}
	bus := events.Bus{Notifiers: []events.Notifier{failing, healthy}}

	_, err := bus.Emit(context.Background(), events.TopicPaymentFailed, "ORD-2", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broker down")
	require.Len(t, healthy.events, 1)
}

func TestEmitRejectsInvalidInput(t *testing.T) {
	bus := events.Bus{}
	_, err := bus.Emit(context.Background(), "", "ORD-1", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, " ", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, "ORD-1", "not json")
	require.Error(t, err)
}
