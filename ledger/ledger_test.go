package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundpool/lib/store"
	"github.com/tarancss/fundpool/lib/store/memory"
)

type fakeBroker struct {
	mu     sync.Mutex
	events []store.Event
	err    error
}

func (b *fakeBroker) Setup() error { return nil }
func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) PublishEvent(_ string, e store.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, e)

	return b.err
}

func (b *fakeBroker) GetEvents(string, *sync.Mutex) (<-chan store.Event, <-chan error, error) {
	return nil, nil, errors.New("not implemented")
}

func TestRecord(t *testing.T) {
	db := memory.New()
	broker := &fakeBroker{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	r := New(Config{Store: db, Broker: broker, Network: "sepolia", Clock: clock})

	e, err := r.Record(context.Background(), store.EventRoleTransfer, map[string]interface{}{"amount": "4900"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "sepolia", e.Network)
	assert.Equal(t, clock.Now(), e.Timestamp)

	stored, err := db.Events(context.Background(), "sepolia", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, e.ID, stored[0].ID)

	require.Len(t, broker.events, 1)
	assert.Equal(t, e.ID, broker.events[0].ID)
}

func TestRecord_BrokerFailureIsNotFatal(t *testing.T) {
	db := memory.New()
	r := New(Config{Store: db, Broker: &fakeBroker{err: errors.New("channel closed")}, Network: "sepolia"})

	_, err := r.Record(context.Background(), store.EventError, nil)
	require.NoError(t, err)
	assert.Len(t, db.EventsOfType(store.EventError), 1)
}

func TestRecord_StoreFailure(t *testing.T) {
	db := memory.New()
	require.NoError(t, db.Close())

	broker := &fakeBroker{}
	r := New(Config{Store: db, Broker: broker, Network: "sepolia"})

	_, err := r.Record(context.Background(), store.EventError, nil)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Empty(t, broker.events, "nothing is published when the store rejected the event")
}
