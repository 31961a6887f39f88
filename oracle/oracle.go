// Package oracle reads balances and contract state. Every read acquires a token from the shared rate limiter, runs
// under its own timeout and is retried on transient failures. A read that still fails is reported as ErrUnavailable:
// callers treat it as unknown, never as zero.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/fundpool/lib/block"
	"github.com/tarancss/fundpool/lib/block/erc20"
	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/lib/metrics"
	"github.com/tarancss/fundpool/lib/ratelimit"
	"github.com/tarancss/fundpool/lib/retry"
)

// ErrUnavailable is wrapped into every failed read.
var ErrUnavailable = errors.New("chain state unavailable")

// NativeToken is the token address that stands for the native coin.
var NativeToken = common.Address{}

const defaultCallTimeout = 8 * time.Second

// Config holds oracle configuration.
type Config struct {
	Chain       block.Chain
	Limiter     *ratelimit.Limiter
	Retry       retry.Config
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Oracle is a read only view of the chain.
type Oracle struct {
	cfg Config
}

// New returns an Oracle. A nil Limiter means unlimited.
func New(cfg Config) *Oracle {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New("rpc", 0, 1)
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return &Oracle{cfg: cfg}
}

// Chain returns the underlying chain.
func (o *Oracle) Chain() block.Chain { return o.cfg.Chain }

// Limiter returns the shared rate limiter.
func (o *Oracle) Limiter() *ratelimit.Limiter { return o.cfg.Limiter }

// CallTimeout returns the timeout of a single upstream call.
func (o *Oracle) CallTimeout() time.Duration { return o.cfg.CallTimeout }

// Read runs fn through the limiter, the per-call timeout and the retry layer. Errors are wrapped into
// ErrUnavailable; the cause, ie. a *types.RevertError, stays reachable with errors.As.
func Read[T any](ctx context.Context, o *Oracle, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := retry.DoValue(ctx, o.cfg.Retry, func() (T, error) {
		return ratelimit.Do(ctx, o.cfg.Limiter, func() (T, error) {
			cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()

			return fn(cctx)
		})
	})
	if err != nil {
		metrics.RPCRequestsTotal.WithLabelValues(op, "error").Inc()
		o.cfg.Logger.Debug("read failed", "op", op, "error", err)

		var zero T

		return zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}

	metrics.RPCRequestsTotal.WithLabelValues(op, "ok").Inc()

	return v, nil
}

// BalanceOf returns the balance of holder in token, the native coin when token is NativeToken.
func (o *Oracle) BalanceOf(ctx context.Context, holder, token common.Address) (*big.Int, error) {
	if token == NativeToken {
		return Read(ctx, o, "native_balance", func(ctx context.Context) (*big.Int, error) {
			return o.cfg.Chain.NativeBalance(ctx, holder)
		})
	}

	return Read(ctx, o, "balance_of", func(ctx context.Context) (*big.Int, error) {
		out, err := o.cfg.Chain.Call(ctx, geth.CallMsg{To: &token, Data: erc20.BalanceOf(holder)})
		if err != nil {
			return nil, err
		}

		return erc20.UnpackUint("balanceOf", out)
	})
}

// StateOf executes the calldata query against contract and returns the raw result.
func (o *Oracle) StateOf(ctx context.Context, contract common.Address, query []byte) ([]byte, error) {
	return Read(ctx, o, "state_of", func(ctx context.Context) ([]byte, error) {
		return o.cfg.Chain.Call(ctx, geth.CallMsg{To: &contract, Data: query})
	})
}

// Allowance returns how much of the tokens of owner spender may move.
func (o *Oracle) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := o.StateOf(ctx, token, erc20.Allowance(owner, spender))
	if err != nil {
		return nil, err
	}

	v, err := erc20.UnpackUint("allowance", out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return v, nil
}

// Decimals returns the decimals of token.
func (o *Oracle) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := o.StateOf(ctx, token, erc20.Decimals())
	if err != nil {
		return 0, err
	}

	vals, err := erc20.ABI.Unpack("decimals", out)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("%w: cannot decode decimals: %v", ErrUnavailable, err)
	}

	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals returned %T", ErrUnavailable, vals[0])
	}

	return d, nil
}

// Roles are the addresses of a balances snapshot.
type Roles struct {
	Reserve     common.Address
	Collection  common.Address
	Distributor common.Address   // refill target, proxy of the distributor pool
	Users       []common.Address // optional, summed into Users
}

// RoleBalances is a snapshot of the role balances, read fresh every time.
type RoleBalances struct {
	Reserve     *big.Int `json:"reserve"`
	Collection  *big.Int `json:"collection"`
	Distributor *big.Int `json:"distributor"`
	Users       *big.Int `json:"users"`
}

// Total returns Reserve + Collection + Distributor.
func (b RoleBalances) Total() *big.Int {
	t := new(big.Int)
	for _, v := range []*big.Int{b.Reserve, b.Collection, b.Distributor} {
		if v != nil {
			t.Add(t, v)
		}
	}

	return t
}

// Balances reads the token balances of roles concurrently. Any failed read fails the snapshot.
func (o *Oracle) Balances(ctx context.Context, token common.Address, roles Roles) (RoleBalances, error) {
	b := RoleBalances{Users: new(big.Int)}
	users := make([]*big.Int, len(roles.Users))

	g, gctx := errgroup.WithContext(ctx)

	for _, r := range []struct {
		addr common.Address
		out  **big.Int
	}{
		{roles.Reserve, &b.Reserve}, {roles.Collection, &b.Collection}, {roles.Distributor, &b.Distributor},
	} {
		r := r
		g.Go(func() error {
			v, err := o.BalanceOf(gctx, r.addr, token)
			*r.out = v

			return err
		})
	}

	for i, u := range roles.Users {
		i, u := i, u
		g.Go(func() error {
			v, err := o.BalanceOf(gctx, u, token)
			users[i] = v

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return RoleBalances{}, err
	}

	for _, v := range users {
		b.Users.Add(b.Users, v)
	}

	return b, nil
}
