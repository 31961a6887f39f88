// Package allocator hands out derivation indices. The counters live in the store and are advanced with its atomic
// increment, so any number of process instances can allocate concurrently without issuing an index twice. There is
// no local fallback: when the store is unavailable allocation fails.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/derive"
	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/lib/metrics"
	"github.com/tarancss/fundpool/lib/store"
)

// Role is an allocatable role range.
type Role string

// Allocatable roles.
const (
	RoleUser        Role = "user"
	RoleDistributor Role = "distributor"
)

// Errors returned.
var (
	ErrUnknownRole = errors.New("role has no allocatable range")
	ErrExhausted   = errors.New("role index range exhausted")
	ErrNotFound    = errors.New("address is not a generated account")
)

// Store is the part of store.DB the allocator needs.
type Store interface {
	store.Counter
	store.AddressIndex
}

// Config holds allocator configuration.
type Config struct {
	Store   Store
	Deriver *derive.Deriver
	Ranges  config.Ranges
	Logger  *slog.Logger
}

// Allocator allocates indices and maintains the address to index cache.
type Allocator struct {
	cfg Config
}

// New returns an Allocator.
func New(cfg Config) *Allocator {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return &Allocator{cfg: cfg}
}

// CounterKey returns the store key of the counter of role on network. Users keep the historical key.
func CounterKey(role Role, network string) string {
	if role == RoleUser {
		return store.CounterKey(network)
	}

	return "wallet_index_" + string(role) + "_" + network
}

// bounds returns the index range [start, end) of role.
func (a *Allocator) bounds(role Role) (uint32, uint32, error) {
	switch role {
	case RoleUser:
		return a.cfg.Ranges.UserStart, math.MaxUint32, nil
	case RoleDistributor:
		return a.cfg.Ranges.DistributorStart, a.cfg.Ranges.DistributorEnd, nil
	}

	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
}

// NextIndex atomically allocates the next unused index of role on network.
func (a *Allocator) NextIndex(ctx context.Context, role Role, network string) (uint32, error) {
	start, end, err := a.bounds(role)
	if err != nil {
		return 0, err
	}

	count, err := a.cfg.Store.Increment(ctx, CounterKey(role, network))
	if err != nil {
		return 0, fmt.Errorf("cannot allocate %s index: %w", role, err)
	}

	if count < 1 || uint64(start)+uint64(count)-1 >= uint64(end) {
		return 0, fmt.Errorf("%w: %s on %s", ErrExhausted, role, network)
	}

	metrics.IndicesAllocatedTotal.WithLabelValues(string(role), network).Inc()

	return start + uint32(count) - 1, nil
}

// CurrentMax returns the exclusive upper bound of the indices allocated so far for role on network.
func (a *Allocator) CurrentMax(ctx context.Context, role Role, network string) (uint32, error) {
	start, end, err := a.bounds(role)
	if err != nil {
		return 0, err
	}

	count, err := a.cfg.Store.Current(ctx, CounterKey(role, network))
	if err != nil {
		return 0, fmt.Errorf("cannot read %s counter: %w", role, err)
	}

	if uint64(start)+uint64(count) > uint64(end) {
		return end, nil
	}

	return start + uint32(count), nil
}

// RecordAddressIndex caches the index of address for reverse lookups, stamped with the current time as the moment
// the account was issued.
func (a *Allocator) RecordAddressIndex(ctx context.Context, network string, address common.Address, index uint32) error {
	return a.save(ctx, network, address, index, store.Now())
}

func (a *Allocator) save(ctx context.Context, network string, address common.Address, index uint32,
	created time.Time,
) error {
	return a.cfg.Store.SaveAddressIndex(ctx, store.AddressRecord{
		Network:   network,
		Address:   address.Hex(),
		Index:     index,
		CreatedAt: created,
	})
}

// LookupIndex resolves a generated user address to its index. A cache miss falls back to a linear derive and compare
// search over the allocated user range, and a hit found that way is written back to the cache with an unknown age.
func (a *Allocator) LookupIndex(ctx context.Context, network string, address common.Address) (uint32, error) {
	r, err := a.cfg.Store.LookupAddressIndex(ctx, network, address.Hex())
	if err == nil {
		return r.Index, nil
	}

	if !errors.Is(err, store.ErrAddrNotFound) {
		return 0, fmt.Errorf("cannot lookup %s: %w", address.Hex(), err)
	}

	upper, err := a.CurrentMax(ctx, RoleUser, network)
	if err != nil {
		return 0, err
	}

	a.cfg.Logger.Info("address not cached, searching derivation range", "address", address.Hex(),
		"from", a.cfg.Ranges.UserStart, "to", upper)

	idx, err := a.cfg.Deriver.Find(address, a.cfg.Ranges.UserStart, upper)
	if errors.Is(err, derive.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, address.Hex())
	}

	if err != nil {
		return 0, err
	}

	if err = a.save(ctx, network, address, idx, time.Time{}); err != nil {
		a.cfg.Logger.Warn("failed to cache address index", "address", address.Hex(), "index", idx, "error", err)
	}

	return idx, nil
}

// Generate allocates a new user index, derives its account and records the reverse lookup.
func (a *Allocator) Generate(ctx context.Context, network string) (derive.Account, error) {
	idx, err := a.NextIndex(ctx, RoleUser, network)
	if err != nil {
		return derive.Account{}, err
	}

	acc, err := a.cfg.Deriver.Derive(idx)
	if err != nil {
		return derive.Account{}, err
	}

	if err = a.RecordAddressIndex(ctx, network, acc.Address, idx); err != nil {
		return derive.Account{}, fmt.Errorf("cannot record index %d: %w", idx, err)
	}

	a.cfg.Logger.Info("generated user account", "index", idx, "address", acc.Address.Hex())

	return acc, nil
}
