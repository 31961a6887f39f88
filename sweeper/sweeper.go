// Package sweeper reclaims idle funds from generated user accounts into the collection account.
//
// A sweep walks a range of user indices. Accounts that completed a purchase or are younger than the grace period are
// left alone. The balances of the rest are read in concurrent batches, and every account holding funds is reclaimed:
// the user approves the clawback operator (gas sponsored), the balance is read again and the operator pulls it into
// the collection account with transferFrom. Batches run one after the other and a failure never stops the sweep.
//
// A reclaim whose transaction outcome is unknown is reported as ambiguous, apart from the failures: the funds may
// have moved and the next sweep reads the balance again.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/fundpool/allocator"
	"github.com/tarancss/fundpool/executor"
	"github.com/tarancss/fundpool/ledger"
	"github.com/tarancss/fundpool/lib/block/erc20"
	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/derive"
	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/lib/metrics"
	"github.com/tarancss/fundpool/lib/store"
	"github.com/tarancss/fundpool/lib/util"
	"github.com/tarancss/fundpool/oracle"
)

// Status of a sweep.
type Status string

// Sweep outcomes.
const (
	StatusSufficient Status = "sufficient"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Outcome of a single account.
type Outcome string

// Account outcomes.
const (
	OutcomeReclaimed Outcome = "reclaimed"
	OutcomeSimulated Outcome = "simulated"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Reasons an account is skipped.
const (
	SkipPurchased = "purchased"
	SkipGrace     = "grace-period"
	SkipDust      = "below-minimum"
	SkipDrained   = "drained"
)

const (
	defaultBalanceBatch = 100
	defaultReclaimBatch = 10
)

// Store is the part of store.DB the sweeper needs.
type Store interface {
	store.PurchaseLedger
	store.AddressIndex
}

// Config holds sweeper configuration.
type Config struct {
	Oracle      *oracle.Oracle
	Executor    *executor.Executor
	Recorder    *ledger.Recorder
	Allocator   *allocator.Allocator
	Store       Store
	Deriver     *derive.Deriver
	Network     string
	Token       common.Address
	Operator    derive.Account // clawback spender
	Reserve     common.Address
	Collection  common.Address
	Distributor common.Address // refill target
	Limits      config.Limits
	Ranges      config.Ranges
	Sweep       config.SweepConfig
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// Request selects the accounts of a sweep. TargetAddress sweeps that single account, EndIndex is an exclusive upper
// bound capped at the number of issued accounts. Force and TargetAddress skip the trigger check; a forced sweep
// covers the most recent accounts only.
type Request struct {
	Force         bool   `json:"force"`
	EndIndex      uint32 `json:"endIndex,omitempty"`
	TargetAddress string `json:"targetAddress,omitempty"`
}

// Range is a half open index range.
type Range struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Account is the outcome of one swept account.
type Account struct {
	Index   uint32           `json:"index"`
	Address string           `json:"address"`
	Outcome Outcome          `json:"outcome"`
	Amount  string           `json:"amount,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Approve *executor.Result `json:"approve,omitempty"`
	Claim   *executor.Result `json:"claim,omitempty"`
}

// Summary is the response of a sweep.
type Summary struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	Range            Range     `json:"range"`
	PoolTotal        string    `json:"poolTotal,omitempty"`
	Examined         int       `json:"examined"`
	Purchased        int       `json:"purchased"`
	InGrace          int       `json:"inGrace"`
	Empty            int       `json:"empty"`
	Candidates       int       `json:"candidates"`
	Reclaimed        int       `json:"reclaimed"`
	Skipped          int       `json:"skipped"`
	Failed           int       `json:"failed"`
	Ambiguous        int       `json:"ambiguous"`
	TotalReclaimed   string    `json:"totalReclaimed"`
	CollectionBefore string    `json:"collectionBefore"`
	CollectionAfter  string    `json:"collectionAfter"`
	Accounts         []Account `json:"accounts"`
	StartedAt        time.Time `json:"startedAt"`
	Duration         string    `json:"duration"`
}

type candidate struct {
	index   uint32
	address common.Address
	balance *big.Int
	err     error
}

// Sweeper runs clawback sweeps.
type Sweeper struct {
	cfg Config
}

// New returns a Sweeper.
func New(cfg Config) *Sweeper {
	if cfg.Sweep.BalanceBatchSize <= 0 {
		cfg.Sweep.BalanceBatchSize = defaultBalanceBatch
	}

	if cfg.Sweep.ReclaimBatchSize <= 0 {
		cfg.Sweep.ReclaimBatchSize = defaultReclaimBatch
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return &Sweeper{cfg: cfg}
}

// Run executes a sweep. Failures are reported in the Summary.
func (s *Sweeper) Run(ctx context.Context, req Request) (sum Summary) {
	start := s.cfg.Clock.Now()
	sum = Summary{
		ID:             uuid.NewString(),
		StartedAt:      start.UTC(),
		TotalReclaimed: "0",
		Accounts:       []Account{},
	}
	log := s.cfg.Logger.With("sweep", sum.ID)

	defer func() {
		sum.Duration = s.cfg.Clock.Since(start).String()

		metrics.SweepRunsTotal.WithLabelValues(string(sum.Status)).Inc()
		metrics.SweepDuration.Observe(s.cfg.Clock.Since(start).Seconds())
		log.Info("sweep finished", "status", sum.Status, "range", fmt.Sprintf("[%d,%d)", sum.Range.Start,
			sum.Range.End), "candidates", sum.Candidates, "reclaimed", sum.Reclaimed, "failed", sum.Failed,
			"ambiguous", sum.Ambiguous, "total", sum.TotalReclaimed)
	}()

	if !req.Force && req.TargetAddress == "" {
		run, err := s.triggered(ctx, &sum)
		if err != nil {
			s.abort(ctx, &sum, "pool balances unavailable", err)
			return sum
		}

		if !run {
			sum.Status = StatusSufficient
			return sum
		}
	}

	r, err := s.bounds(ctx, req)
	if err != nil {
		s.abort(ctx, &sum, "cannot resolve sweep range", err)
		return sum
	}

	sum.Range = r
	sum.CollectionBefore = s.collection(ctx)

	candidates, err := s.eligible(ctx, &sum, log)
	if err != nil {
		s.abort(ctx, &sum, "cannot read purchase ledger", err)
		return sum
	}

	s.reclaimAll(ctx, &sum, s.scan(ctx, &sum, candidates))

	sum.CollectionAfter = s.collection(ctx)

	sum.Status = StatusCompleted
	if sum.Failed > 0 && sum.Reclaimed+sum.Ambiguous == 0 {
		sum.Status = StatusError
	}

	s.record(ctx, store.EventClawbackSummary, map[string]interface{}{
		"sweep":            sum.ID,
		"status":           string(sum.Status),
		"start":            sum.Range.Start,
		"end":              sum.Range.End,
		"examined":         sum.Examined,
		"candidates":       sum.Candidates,
		"reclaimed":        sum.Reclaimed,
		"skipped":          sum.Skipped,
		"failed":           sum.Failed,
		"ambiguous":        sum.Ambiguous,
		"totalReclaimed":   sum.TotalReclaimed,
		"collectionBefore": sum.CollectionBefore,
		"collectionAfter":  sum.CollectionAfter,
	})

	return sum
}

// triggered reports whether the pool total dropped below the clawback trigger.
func (s *Sweeper) triggered(ctx context.Context, sum *Summary) (bool, error) {
	b, err := s.cfg.Oracle.Balances(ctx, s.cfg.Token, oracle.Roles{
		Reserve:     s.cfg.Reserve,
		Collection:  s.cfg.Collection,
		Distributor: s.cfg.Distributor,
	})
	if err != nil {
		return false, err
	}

	total := b.Total()
	sum.PoolTotal = total.String()

	return total.Cmp(s.cfg.Limits.ClawbackTrigger) < 0, nil
}

func (s *Sweeper) bounds(ctx context.Context, req Request) (Range, error) {
	if req.TargetAddress != "" {
		if !common.IsHexAddress(req.TargetAddress) {
			return Range{}, fmt.Errorf("invalid target address %q", req.TargetAddress)
		}

		idx, err := s.cfg.Allocator.LookupIndex(ctx, s.cfg.Network, common.HexToAddress(req.TargetAddress))
		if err != nil {
			return Range{}, err
		}

		return Range{Start: idx, End: idx + 1}, nil
	}

	upper, err := s.cfg.Allocator.CurrentMax(ctx, allocator.RoleUser, s.cfg.Network)
	if err != nil {
		return Range{}, err
	}

	r := Range{Start: s.cfg.Ranges.UserStart, End: upper}
	if req.EndIndex > 0 && req.EndIndex < upper {
		r.End = req.EndIndex
	}

	if req.Force && s.cfg.Sweep.RecentWindow > 0 && r.End > r.Start && r.End-r.Start > s.cfg.Sweep.RecentWindow {
		r.Start = r.End - s.cfg.Sweep.RecentWindow
	}

	if r.End < r.Start {
		r.End = r.Start
	}

	return r, nil
}

// eligible derives the accounts of the range and drops those with a purchase or inside the grace period. The
// purchase ledger and the address records are each read with a single query.
func (s *Sweeper) eligible(ctx context.Context, sum *Summary, log *slog.Logger) ([]candidate, error) {
	n := int(sum.Range.End - sum.Range.Start)
	all := make([]candidate, 0, n)
	hexes := make([]string, 0, n)

	for idx := sum.Range.Start; idx < sum.Range.End; idx++ {
		addr, err := s.cfg.Deriver.Address(idx)
		if err != nil {
			return nil, fmt.Errorf("cannot derive index %d: %w", idx, err)
		}

		all = append(all, candidate{index: idx, address: addr})
		hexes = append(hexes, addr.Hex())
	}

	sum.Examined = len(all)
	if len(all) == 0 {
		return nil, nil
	}

	purchased, err := s.cfg.Store.Purchased(ctx, s.cfg.Network, hexes)
	if err != nil {
		return nil, err
	}

	created := map[uint32]time.Time{}
	if s.cfg.Sweep.GracePeriod.Duration > 0 {
		records, rerr := s.cfg.Store.AddressRecords(ctx, s.cfg.Network, sum.Range.Start, sum.Range.End)
		if rerr != nil {
			// without records every account counts as old enough
			log.Warn("address records unavailable, grace period not applied", "error", rerr)
		}

		for _, r := range records {
			created[r.Index] = r.CreatedAt
		}
	}

	now := s.cfg.Clock.Now()
	out := all[:0]

	for _, c := range all {
		switch {
		case purchased[store.NormalizeAddress(c.address.Hex())]:
			sum.Purchased++
			s.skip(ctx, sum, Account{Index: c.index, Address: c.address.Hex(), Reason: SkipPurchased}, false)
		case !created[c.index].IsZero() && now.Sub(created[c.index]) < s.cfg.Sweep.GracePeriod.Duration:
			sum.InGrace++
			s.skip(ctx, sum, Account{Index: c.index, Address: c.address.Hex(), Reason: SkipGrace}, false)
		default:
			out = append(out, c)
		}
	}

	return out, nil
}

// scan reads the balances in sequential batches of concurrent reads. A failed read is recorded and the account is
// not reclaimed.
func (s *Sweeper) scan(ctx context.Context, sum *Summary, cs []candidate) []candidate {
	for _, batch := range util.Chunks(cs, s.cfg.Sweep.BalanceBatchSize) {
		var g errgroup.Group

		for i := range batch {
			c := &batch[i]
			g.Go(func() error {
				c.balance, c.err = s.cfg.Oracle.BalanceOf(ctx, c.address, s.cfg.Token)
				return nil
			})
		}

		_ = g.Wait()
	}

	out := make([]candidate, 0, len(cs))

	for _, c := range cs {
		switch {
		case c.err != nil:
			s.failed(ctx, sum, Account{Index: c.index, Address: c.address.Hex(), Reason: "balance unavailable"}, c.err)
		case c.balance.Sign() == 0:
			sum.Empty++
		case c.balance.Cmp(s.minReclaim()) < 0:
			s.skip(ctx, sum, Account{Index: c.index, Address: c.address.Hex(), Amount: c.balance.String(),
				Reason: SkipDust}, true)
		default:
			out = append(out, c)
		}
	}

	sum.Candidates = len(out)

	return out
}

// reclaimAll reclaims the candidates in sequential batches of concurrent reclaims.
func (s *Sweeper) reclaimAll(ctx context.Context, sum *Summary, cs []candidate) {
	total := new(big.Int)

	for _, batch := range util.Chunks(cs, s.cfg.Sweep.ReclaimBatchSize) {
		results := make([]Account, len(batch))
		errs := make([]error, len(batch))

		var g errgroup.Group

		for i := range batch {
			i := i
			g.Go(func() error {
				results[i], errs[i] = s.reclaim(ctx, batch[i])
				return nil
			})
		}

		_ = g.Wait()

		for i, a := range results {
			switch a.Outcome {
			case OutcomeFailed:
				s.failed(ctx, sum, a, errs[i])
			case OutcomeAmbiguous:
				s.ambiguous(ctx, sum, a, errs[i])
			case OutcomeSkipped:
				s.skip(ctx, sum, a, true)
			default:
				amount, _ := new(big.Int).SetString(a.Amount, 10)
				total.Add(total, amount)
				sum.Reclaimed++
				sum.Accounts = append(sum.Accounts, a)
				metrics.SweepCandidatesTotal.WithLabelValues(string(a.Outcome)).Inc()

				s.record(ctx, store.EventClawbackReclaim, map[string]interface{}{
					"sweep":   sum.ID,
					"index":   a.Index,
					"address": a.Address,
					"amount":  a.Amount,
					"outcome": string(a.Outcome),
					"txHash":  txHash(a),
				})
			}
		}
	}

	sum.TotalReclaimed = total.String()
}

// reclaim moves the balance of one account to the collection account.
func (s *Sweeper) reclaim(ctx context.Context, c candidate) (Account, error) {
	a := Account{Index: c.index, Address: c.address.Hex(), Amount: c.balance.String()}

	user, err := s.cfg.Deriver.Derive(c.index)
	if err != nil {
		a.Outcome, a.Reason = OutcomeFailed, "cannot derive account"
		return a, err
	}

	allowed, err := s.cfg.Oracle.Allowance(ctx, s.cfg.Token, user.Address, s.cfg.Operator.Address)
	if err != nil {
		a.Outcome, a.Reason = OutcomeFailed, "allowance unavailable"
		return a, err
	}

	if allowed.Cmp(c.balance) < 0 {
		res, err := s.cfg.Executor.Execute(ctx, user, executor.Approve(s.cfg.Token, s.cfg.Operator.Address,
			erc20.MaxAllowance))
		a.Approve = &res

		if err != nil {
			a.Outcome, a.Reason = outcome(err), "approve "+string(res.Status)
			return a, err
		}

		// a simulated approval leaves no allowance to simulate the claim against
		if res.Status == executor.StatusSimulated {
			a.Outcome = OutcomeSimulated
			return a, nil
		}
	}

	bal, err := s.cfg.Oracle.BalanceOf(ctx, user.Address, s.cfg.Token)
	if err != nil {
		a.Outcome, a.Reason = OutcomeFailed, "balance unavailable"
		return a, err
	}

	a.Amount = bal.String()

	if bal.Sign() == 0 {
		a.Outcome, a.Reason = OutcomeSkipped, SkipDrained
		return a, nil
	}

	res, err := s.cfg.Executor.Execute(ctx, s.cfg.Operator, executor.Claim(s.cfg.Token, user.Address,
		s.cfg.Collection, bal))
	a.Claim = &res

	if err != nil {
		a.Outcome, a.Reason = outcome(err), "claim "+string(res.Status)
		return a, err
	}

	a.Outcome = OutcomeReclaimed
	if res.Status == executor.StatusSimulated {
		a.Outcome = OutcomeSimulated
	}

	return a, nil
}

// outcome maps an executor error to the account outcome.
func outcome(err error) Outcome {
	if errors.Is(err, executor.ErrAmbiguous) {
		return OutcomeAmbiguous
	}

	return OutcomeFailed
}

// txHash returns the hash of the last transaction of a, empty when none was sent.
func txHash(a Account) string {
	for _, r := range []*executor.Result{a.Claim, a.Approve} {
		if r != nil && r.TxHash != "" {
			return r.TxHash
		}
	}

	return ""
}

func (s *Sweeper) skip(ctx context.Context, sum *Summary, a Account, list bool) {
	a.Outcome = OutcomeSkipped
	sum.Skipped++

	if list {
		sum.Accounts = append(sum.Accounts, a)
	}

	metrics.SweepCandidatesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()

	s.record(ctx, store.EventClawbackSkip, map[string]interface{}{
		"sweep":   sum.ID,
		"index":   a.Index,
		"address": a.Address,
		"reason":  a.Reason,
		"amount":  a.Amount,
	})
}

func (s *Sweeper) failed(ctx context.Context, sum *Summary, a Account, err error) {
	a.Outcome = OutcomeFailed
	sum.Failed++
	sum.Accounts = append(sum.Accounts, a)

	metrics.SweepCandidatesTotal.WithLabelValues(string(OutcomeFailed)).Inc()

	meta := map[string]interface{}{
		"sweep":   sum.ID,
		"step":    "clawback",
		"index":   a.Index,
		"address": a.Address,
		"reason":  a.Reason,
	}
	if err != nil {
		meta["error"] = err.Error()
	}

	if h := txHash(a); h != "" {
		meta["txHash"] = h
	}

	s.record(ctx, store.EventError, meta)
	s.cfg.Logger.Warn("reclaim failed", "sweep", sum.ID, "index", a.Index, "address", a.Address, "reason", a.Reason,
		"error", err)
}

// ambiguous records a reclaim whose transaction outcome is unknown. The amount is not counted as reclaimed.
func (s *Sweeper) ambiguous(ctx context.Context, sum *Summary, a Account, err error) {
	sum.Ambiguous++
	sum.Accounts = append(sum.Accounts, a)

	metrics.SweepCandidatesTotal.WithLabelValues(string(OutcomeAmbiguous)).Inc()

	meta := map[string]interface{}{
		"sweep":   sum.ID,
		"index":   a.Index,
		"address": a.Address,
		"amount":  a.Amount,
		"reason":  a.Reason,
		"txHash":  txHash(a),
	}
	if err != nil {
		meta["error"] = err.Error()
	}

	s.record(ctx, store.EventClawbackAmbiguous, meta)
	s.cfg.Logger.Warn("reclaim outcome unknown", "sweep", sum.ID, "index", a.Index, "address", a.Address,
		"reason", a.Reason, "txHash", meta["txHash"])
}

func (s *Sweeper) abort(ctx context.Context, sum *Summary, reason string, err error) {
	sum.Status, sum.Reason = StatusError, reason

	s.record(ctx, store.EventError, map[string]interface{}{"sweep": sum.ID, "step": "clawback", "reason": reason,
		"error": err.Error()})
	s.cfg.Logger.Error(reason, "sweep", sum.ID, "error", err)
}

func (s *Sweeper) collection(ctx context.Context) string {
	v, err := s.cfg.Oracle.BalanceOf(ctx, s.cfg.Collection, s.cfg.Token)
	if err != nil {
		return ""
	}

	return v.String()
}

func (s *Sweeper) minReclaim() *big.Int {
	if s.cfg.Limits.MinReclaim == nil || s.cfg.Limits.MinReclaim.Sign() <= 0 {
		return big.NewInt(1)
	}

	return s.cfg.Limits.MinReclaim
}

func (s *Sweeper) record(ctx context.Context, typ string, meta map[string]interface{}) {
	if s.cfg.Recorder == nil {
		return
	}

	_, _ = s.cfg.Recorder.Record(ctx, typ, meta)
}
