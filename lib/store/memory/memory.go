// Package memory implements the store interfaces in process memory. Counters are only atomic within one process, so
// this backend serves tests and single-instance dry runs; deployments use mongodb or postgresql.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tarancss/fundpool/lib/store"
)

// Memory is an in-process store.DB.
type Memory struct {
	mu        sync.Mutex
	counters  map[string]int64
	addresses map[string]store.AddressRecord // keyed by store.AddressKey
	purchases map[string]store.Purchase      // keyed by network + address
	events    []store.Event
	closed    bool
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		counters:  make(map[string]int64),
		addresses: make(map[string]store.AddressRecord),
		purchases: make(map[string]store.Purchase),
	}
}

// Close marks the store unavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	return nil
}

// Increment implements store.Counter.
func (m *Memory) Increment(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, store.ErrUnavailable
	}

	m.counters[key]++

	return m.counters[key], nil
}

// Current implements store.Counter.
func (m *Memory) Current(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, store.ErrUnavailable
	}

	return m.counters[key], nil
}

// SaveAddressIndex implements store.AddressIndex.
func (m *Memory) SaveAddressIndex(ctx context.Context, r store.AddressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return store.ErrUnavailable
	}

	r.Address = store.NormalizeAddress(r.Address)
	key := store.AddressKey(r.Network, r.Address)

	if old, ok := m.addresses[key]; ok && !old.CreatedAt.IsZero() {
		r.CreatedAt = old.CreatedAt
	}

	m.addresses[key] = r

	return nil
}

// LookupAddressIndex implements store.AddressIndex.
func (m *Memory) LookupAddressIndex(ctx context.Context, network, address string) (store.AddressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return store.AddressRecord{}, store.ErrUnavailable
	}

	r, ok := m.addresses[store.AddressKey(network, address)]
	if !ok {
		return store.AddressRecord{}, store.ErrAddrNotFound
	}

	return r, nil
}

// AddressRecords implements store.AddressIndex.
func (m *Memory) AddressRecords(ctx context.Context, network string, from, to uint32) ([]store.AddressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, store.ErrUnavailable
	}

	var out []store.AddressRecord

	for _, r := range m.addresses {
		if r.Network == network && r.Index >= from && r.Index < to {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return out, nil
}

// RecordPurchase implements store.PurchaseLedger.
func (m *Memory) RecordPurchase(ctx context.Context, p store.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return store.ErrUnavailable
	}

	p.Address = store.NormalizeAddress(p.Address)
	if p.CompletedAt.IsZero() {
		p.CompletedAt = store.Now()
	}

	m.purchases[p.Network+"/"+p.Address] = p

	return nil
}

// Purchased implements store.PurchaseLedger.
func (m *Memory) Purchased(ctx context.Context, network string, addresses []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, store.ErrUnavailable
	}

	out := make(map[string]bool)

	for _, a := range addresses {
		a = store.NormalizeAddress(a)
		if _, ok := m.purchases[network+"/"+a]; ok {
			out[a] = true
		}
	}

	return out, nil
}

// AppendEvent implements store.EventLedger.
func (m *Memory) AppendEvent(ctx context.Context, e store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return store.ErrUnavailable
	}

	m.events = append(m.events, e)

	return nil
}

// Events implements store.EventLedger.
func (m *Memory) Events(ctx context.Context, network string, limit int) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, store.ErrUnavailable
	}

	var out []store.Event

	for i := len(m.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}

		if network == "" || m.events[i].Network == network {
			out = append(out, m.events[i])
		}
	}

	return out, nil
}

// EventsOfType returns every stored event of type t in append order.
func (m *Memory) EventsOfType(t string) []store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Event

	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}

	return out
}
