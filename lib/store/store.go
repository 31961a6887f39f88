// Package store defines the persistence interfaces of the custodian: the derivation index counters, the address to
// index reverse lookup, the purchase ledger and the append-only event ledger. Implementations live in the sub-packages
// and are selected with package db.
package store

import (
	"context"
	"errors"
	"time"
)

// Counter is an atomic monotonically increasing counter. Atomicity must come from the backing store; implementations
// never keep the value in process memory across calls.
type Counter interface {
	// Increment atomically adds one to the counter at key, creating it at 1, and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)
	// Current returns the counter value, 0 when the key was never incremented.
	Current(ctx context.Context, key string) (int64, error)
}

// AddressIndex is the reverse address -> derivation index cache.
type AddressIndex interface {
	// SaveAddressIndex upserts r. A zero CreatedAt records an address of unknown age and a known creation time is
	// never replaced.
	SaveAddressIndex(ctx context.Context, r AddressRecord) error
	// LookupAddressIndex returns ErrAddrNotFound when the address was never recorded.
	LookupAddressIndex(ctx context.Context, network, address string) (AddressRecord, error)
	// AddressRecords returns the records with index in [from, to) ordered by index.
	AddressRecords(ctx context.Context, network string, from, to uint32) ([]AddressRecord, error)
}

// PurchaseLedger records the addresses that completed a legitimate purchase.
type PurchaseLedger interface {
	RecordPurchase(ctx context.Context, p Purchase) error
	// Purchased answers, in one query, which of the addresses completed a purchase.
	Purchased(ctx context.Context, network string, addresses []string) (map[string]bool, error)
}

// EventLedger is the append-only audit log.
type EventLedger interface {
	AppendEvent(ctx context.Context, e Event) error
	// Events returns the most recent events of the network, newest first.
	Events(ctx context.Context, network string, limit int) ([]Event, error)
}

// DB groups the interfaces every backend implements.
type DB interface {
	Counter
	AddressIndex
	PurchaseLedger
	EventLedger
	Close() error
}

// Errors returned.
var (
	ErrAddrNotFound = errors.New("address was not found in store")
	ErrUnavailable  = errors.New("store unavailable")
)

// Now is the timestamp source of backends that stamp records themselves.
var Now = func() time.Time { return time.Now().UTC() } //nolint:gochecknoglobals // overridden in tests
