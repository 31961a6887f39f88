// Package custodian implements the custodian service.
//
// The service owns the derived accounts of one network and exposes the fund flow operations to the scheduler: the
// threshold rebalance, the clawback sweep, wallet generation and a balances snapshot. Operations are available as
// methods for the fundctl tool and over a RESTful API protected by a shared secret.
package custodian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/fundpool/allocator"
	"github.com/tarancss/fundpool/controller"
	"github.com/tarancss/fundpool/executor"
	"github.com/tarancss/fundpool/ledger"
	"github.com/tarancss/fundpool/lib/block"
	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/derive"
	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/lib/msg"
	"github.com/tarancss/fundpool/lib/ratelimit"
	"github.com/tarancss/fundpool/lib/retry"
	"github.com/tarancss/fundpool/lib/store"
	"github.com/tarancss/fundpool/lib/store/db"
	"github.com/tarancss/fundpool/oracle"
	"github.com/tarancss/fundpool/sweeper"
)

// ErrFunding is returned when a generated wallet could not be funded.
var ErrFunding = errors.New("wallet funding failed")

// Accounts are the role accounts of the pool.
type Accounts struct {
	Reserve     derive.Account
	Collection  derive.Account
	Operator    derive.Account
	Sponsor     derive.Account
	Distributor derive.Account // refill target
}

// Custodian contains the data necessary to deliver the service.
type Custodian struct {
	conf    config.ServiceConfig
	limits  config.Limits
	token   common.Address
	db      store.DB
	mb      msg.MsgBroker
	bc      block.Chain
	acc     Accounts
	oracle  *oracle.Oracle
	exec    *executor.Executor
	rec     *ledger.Recorder
	alloc   *allocator.Allocator
	ctrl    *controller.Controller
	sweeper *sweeper.Sweeper
	log     *slog.Logger

	s  *http.Server  // http server
	ss *http.Server  // https server
	sc chan struct{} // http server channel used for graceful shutdowns
}

// New assembles the service from a validated configuration. mb is optional.
func New(conf config.ServiceConfig, dbConn store.DB, mb msg.MsgBroker, bc block.Chain, d *derive.Deriver,
	log *slog.Logger,
) (*Custodian, error) {
	if log == nil {
		log = logger.Discard()
	}

	limits, err := conf.Limits()
	if err != nil {
		return nil, err
	}

	c := &Custodian{
		conf:   conf,
		limits: limits,
		token:  common.HexToAddress(conf.Chain.Token),
		db:     dbConn,
		mb:     mb,
		bc:     bc,
		log:    log.With("net", conf.Chain.Name),
	}

	r := conf.Ranges
	for idx, a := range map[uint32]*derive.Account{
		r.Reserve: &c.acc.Reserve, r.Collection: &c.acc.Collection, r.Operator: &c.acc.Operator,
		r.Sponsor: &c.acc.Sponsor, r.RefillTarget: &c.acc.Distributor,
	} {
		if *a, err = d.Derive(idx); err != nil {
			return nil, fmt.Errorf("cannot derive role index %d: %w", idx, err)
		}
	}

	c.oracle = oracle.New(oracle.Config{
		Chain:   bc,
		Limiter: ratelimit.New("rpc", conf.RPC.RatePerSecond, conf.RPC.Burst),
		Retry: retry.Config{
			MaxAttempts: conf.RPC.MaxAttempts,
			BaseBackoff: conf.RPC.BaseBackoff.Duration,
			MaxBackoff:  conf.RPC.MaxBackoff.Duration,
		},
		CallTimeout: conf.RPC.CallTimeout.Duration,
		Logger:      c.log.With("component", "oracle"),
	})

	c.exec = executor.New(executor.Config{
		Oracle:          c.oracle,
		Sponsor:         &c.acc.Sponsor,
		FinalityTimeout: conf.RPC.FinalityTimeout.Duration,
		DryRun:          conf.DryRun,
		Logger:          c.log.With("component", "executor"),
	})

	c.rec = ledger.New(ledger.Config{
		Store:   dbConn,
		Broker:  mb,
		Network: conf.Chain.Name,
		Logger:  c.log.With("component", "ledger"),
	})

	c.alloc = allocator.New(allocator.Config{
		Store:   dbConn,
		Deriver: d,
		Ranges:  conf.Ranges,
		Logger:  c.log.With("component", "allocator"),
	})

	c.ctrl = controller.New(controller.Config{
		Oracle:     c.oracle,
		Executor:   c.exec,
		Recorder:   c.rec,
		Token:      c.token,
		Reserve:    c.acc.Reserve,
		Collection: c.acc.Collection,
		Target:     c.acc.Distributor.Address,
		Limits:     limits,
		Logger:     c.log.With("component", "controller"),
	})

	c.sweeper = sweeper.New(sweeper.Config{
		Oracle:      c.oracle,
		Executor:    c.exec,
		Recorder:    c.rec,
		Allocator:   c.alloc,
		Store:       dbConn,
		Deriver:     d,
		Network:     conf.Chain.Name,
		Token:       c.token,
		Operator:    c.acc.Operator,
		Reserve:     c.acc.Reserve.Address,
		Collection:  c.acc.Collection.Address,
		Distributor: c.acc.Distributor.Address,
		Limits:      limits,
		Ranges:      conf.Ranges,
		Sweep:       conf.Sweep,
		Logger:      c.log.With("component", "sweeper"),
	})

	return c, nil
}

// Rebalance runs the threshold controller once.
func (c *Custodian) Rebalance(ctx context.Context) controller.Result {
	return c.ctrl.Run(ctx)
}

// Clawback runs a clawback sweep.
func (c *Custodian) Clawback(ctx context.Context, req sweeper.Request) sweeper.Summary {
	return c.sweeper.Run(ctx, req)
}

// Wallet is a generated user wallet.
type Wallet struct {
	Index   uint32           `json:"index"`
	Address string           `json:"address"`
	Funding *executor.Result `json:"funding,omitempty"`
}

// CreateWallet allocates the next user account and funds it from the distributor target when a funding amount is
// configured. When funding fails the wallet is still returned along with ErrFunding.
func (c *Custodian) CreateWallet(ctx context.Context) (Wallet, error) {
	acc, err := c.alloc.Generate(ctx, c.conf.Chain.Name)
	if err != nil {
		return Wallet{}, err
	}

	w := Wallet{Index: acc.Index, Address: acc.Address.Hex()}

	amount := c.limits.UserFundAmount
	if amount == nil || amount.Sign() <= 0 {
		return w, nil
	}

	res, err := c.exec.Execute(ctx, c.acc.Distributor, executor.Transfer(c.token, acc.Address, amount))
	w.Funding = &res

	meta := map[string]interface{}{
		"index":    acc.Index,
		"address":  acc.Address.Hex(),
		"from":     c.acc.Distributor.Address.Hex(),
		"amount":   amount.String(),
		"txStatus": string(res.Status),
		"txHash":   res.TxHash,
	}

	if err != nil {
		meta["step"], meta["error"] = "user-funding", err.Error()
		_, _ = c.rec.Record(ctx, store.EventError, meta)

		return w, fmt.Errorf("%w: %w", ErrFunding, err)
	}

	_, _ = c.rec.Record(ctx, store.EventUserFunded, meta)

	return w, nil
}

// Balances is a snapshot of the role balances in base units and token units.
type Balances struct {
	Token       string            `json:"token"`
	Decimals    int32             `json:"decimals"`
	Reserve     string            `json:"reserve"`
	Collection  string            `json:"collection"`
	Distributor string            `json:"distributor"`
	Total       string            `json:"total"`
	Formatted   map[string]string `json:"formatted"`
	Addresses   map[string]string `json:"addresses"`
}

// Balances reads the role balances.
func (c *Custodian) Balances(ctx context.Context) (Balances, error) {
	b, err := c.oracle.Balances(ctx, c.token, oracle.Roles{
		Reserve:     c.acc.Reserve.Address,
		Collection:  c.acc.Collection.Address,
		Distributor: c.acc.Distributor.Address,
	})
	if err != nil {
		return Balances{}, err
	}

	dec := c.conf.Chain.TokenDecimals
	out := Balances{
		Token:       c.token.Hex(),
		Decimals:    dec,
		Reserve:     b.Reserve.String(),
		Collection:  b.Collection.String(),
		Distributor: b.Distributor.String(),
		Total:       b.Total().String(),
		Formatted:   map[string]string{},
		Addresses: map[string]string{
			"reserve":     c.acc.Reserve.Address.Hex(),
			"collection":  c.acc.Collection.Address.Hex(),
			"operator":    c.acc.Operator.Address.Hex(),
			"sponsor":     c.acc.Sponsor.Address.Hex(),
			"distributor": c.acc.Distributor.Address.Hex(),
		},
	}

	for k, v := range map[string]*big.Int{"reserve": b.Reserve, "collection": b.Collection,
		"distributor": b.Distributor, "total": b.Total()} {
		out.Formatted[k] = config.FormatAmount(v, dec)
	}

	return out, nil
}

// Events returns the most recent audit events of the network.
func (c *Custodian) Events(ctx context.Context, limit int) ([]store.Event, error) {
	return c.db.Events(ctx, c.conf.Chain.Name, limit)
}

// RecordPurchase marks address as a purchaser so that sweeps leave it alone.
func (c *Custodian) RecordPurchase(ctx context.Context, address common.Address) error {
	return c.db.RecordPurchase(ctx, store.Purchase{Network: c.conf.Chain.Name, Address: address.Hex(),
		CompletedAt: store.Now()})
}

// Network returns the name of the network the service operates on.
func (c *Custodian) Network() string { return c.conf.Chain.Name }

// Broker returns the message broker, nil when none is configured.
func (c *Custodian) Broker() msg.MsgBroker { return c.mb }

// Close closes the message broker, the chain client and the database.
func (c *Custodian) Close() {
	if c.mb != nil {
		if err := c.mb.Close(); err != nil {
			c.log.Error("error closing message broker", "error", err)
		}
	}

	if c.bc != nil {
		c.bc.Close()
	}

	if err := db.Close(c.db); err != nil {
		c.log.Error("error closing database", "type", c.conf.DbType, "error", err)
	}

	c.log.Info("disconnected", "db", c.conf.DbType)
}
