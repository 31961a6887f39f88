// Package controller keeps the fund flow within its thresholds. Every run reads fresh balances and issues at most one
// withdrawal (collection to reserve) and one refill (reserve to the distributor target). The controller is level
// triggered: running it again without a balance change does nothing.
package controller

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/tarancss/fundpool/executor"
	"github.com/tarancss/fundpool/ledger"
	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/derive"
	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/lib/metrics"
	"github.com/tarancss/fundpool/lib/store"
	"github.com/tarancss/fundpool/oracle"
)

// Status of a run or of a step.
type Status string

// Statuses, in increasing precedence.
const (
	StatusSufficient        Status = "sufficient"
	StatusCompleted         Status = "completed"
	StatusInsufficientFunds Status = "insufficient-funds"
	StatusError             Status = "error"
)

var precedence = map[Status]int{
	StatusSufficient:        0,
	StatusCompleted:         1,
	StatusInsufficientFunds: 2,
	StatusError:             3,
}

// Worst returns the status with the highest precedence.
func Worst(ss ...Status) Status {
	w := StatusSufficient
	for _, s := range ss {
		if precedence[s] > precedence[w] {
			w = s
		}
	}

	return w
}

// Steps.
const (
	StepWithdrawal = "withdrawal"
	StepRefill     = "refill"
)

// Config holds controller configuration.
type Config struct {
	Oracle     *oracle.Oracle
	Executor   *executor.Executor
	Recorder   *ledger.Recorder
	Token      common.Address
	Reserve    derive.Account
	Collection derive.Account
	Target     common.Address // distributor refill target
	Limits     config.Limits
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Balances are the balances read at the beginning of a run. An empty value means the read failed.
type Balances struct {
	Reserve     string `json:"reserve"`
	Collection  string `json:"collection"`
	Distributor string `json:"distributor"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step   string           `json:"step"`
	Status Status           `json:"status"`
	Amount string           `json:"amount,omitempty"`
	Reason string           `json:"reason,omitempty"`
	Action *executor.Result `json:"action,omitempty"`
}

// Result is the response of a run.
type Result struct {
	Status     Status            `json:"status"`
	Balances   Balances          `json:"balancesBefore"`
	Actions    []executor.Result `json:"actions"`
	Withdrawal StepResult        `json:"withdrawal"`
	Refill     StepResult        `json:"refill"`
	StartedAt  time.Time         `json:"startedAt"`
	Duration   string            `json:"duration"`
}

// Controller runs the threshold state machine.
type Controller struct {
	cfg Config
}

// New returns a Controller. cfg.Limits must have been validated.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return &Controller{cfg: cfg}
}

// Run evaluates both steps. They are independent: a failure in one never prevents the other. Run never fails, the
// outcome is reported in the Result.
func (c *Controller) Run(ctx context.Context) Result {
	start := c.cfg.Clock.Now()
	res := Result{StartedAt: start.UTC(), Actions: []executor.Result{}}

	if v, err := c.balance(ctx, c.cfg.Reserve.Address); err == nil {
		res.Balances.Reserve = v.String()
	}

	res.Withdrawal = c.withdraw(ctx, &res)
	res.Refill = c.refill(ctx, &res)

	for _, s := range []*StepResult{&res.Withdrawal, &res.Refill} {
		if s.Action != nil {
			res.Actions = append(res.Actions, *s.Action)
		}
	}

	res.Status = Worst(res.Withdrawal.Status, res.Refill.Status)
	res.Duration = c.cfg.Clock.Since(start).String()

	metrics.ControllerRunsTotal.WithLabelValues(string(res.Status)).Inc()
	c.cfg.Logger.Info("controller run", "status", res.Status, "withdrawal", res.Withdrawal.Status,
		"refill", res.Refill.Status, "duration", res.Duration)

	return res
}

// withdraw moves everything above the operational buffer from the collection to the reserve once the collection
// exceeds the withdrawal floor.
func (c *Controller) withdraw(ctx context.Context, res *Result) StepResult {
	step := StepResult{Step: StepWithdrawal}

	bal, err := c.balance(ctx, c.cfg.Collection.Address)
	if err != nil {
		return c.fail(ctx, step, "collection balance unavailable", err)
	}

	res.Balances.Collection = bal.String()

	if bal.Cmp(c.cfg.Limits.WithdrawalFloor) <= 0 {
		step.Status = StatusSufficient
		return step
	}

	amount := new(big.Int).Sub(bal, c.cfg.Limits.WithdrawalBuffer)

	return c.move(ctx, step, c.cfg.Collection, c.cfg.Reserve.Address, amount)
}

// refill tops the distributor target up to the refill floor from the reserve. The reserve is read again so that a
// withdrawal of the same run is taken into account. A reserve that cannot cover the whole deficit is never partially
// drained.
func (c *Controller) refill(ctx context.Context, res *Result) StepResult {
	step := StepResult{Step: StepRefill}

	bal, err := c.balance(ctx, c.cfg.Target)
	if err != nil {
		return c.fail(ctx, step, "distributor balance unavailable", err)
	}

	res.Balances.Distributor = bal.String()

	if bal.Cmp(c.cfg.Limits.RefillFloor) >= 0 {
		step.Status = StatusSufficient
		return step
	}

	deficit := new(big.Int).Sub(c.cfg.Limits.RefillFloor, bal)
	step.Amount = deficit.String()

	reserve, err := c.balance(ctx, c.cfg.Reserve.Address)
	if err != nil {
		return c.fail(ctx, step, "reserve balance unavailable", err)
	}

	if reserve.Cmp(deficit) < 0 {
		step.Status, step.Reason = StatusInsufficientFunds, "reserve cannot cover the refill"

		c.record(ctx, store.EventRefillInsufficient, map[string]interface{}{
			"step":     StepRefill,
			"reserve":  reserve.String(),
			"required": deficit.String(),
			"target":   c.cfg.Target.Hex(),
		})
		c.cfg.Logger.Warn("reserve cannot cover the refill", "reserve", reserve, "required", deficit)

		return step
	}

	return c.move(ctx, step, c.cfg.Reserve, c.cfg.Target, deficit)
}

func (c *Controller) move(ctx context.Context, step StepResult, from derive.Account, to common.Address,
	amount *big.Int,
) StepResult {
	step.Amount = amount.String()

	r, err := c.cfg.Executor.Execute(ctx, from, executor.Transfer(c.cfg.Token, to, amount))
	step.Action = &r

	if err != nil {
		step.Status, step.Reason = StatusError, string(r.Status)+": "+r.Reason

		c.record(ctx, store.EventError, map[string]interface{}{
			"step":     step.Step,
			"from":     from.Address.Hex(),
			"to":       to.Hex(),
			"amount":   amount.String(),
			"txStatus": string(r.Status),
			"txHash":   r.TxHash,
			"error":    err.Error(),
		})

		return step
	}

	step.Status = StatusCompleted

	c.record(ctx, store.EventRoleTransfer, map[string]interface{}{
		"step":     step.Step,
		"from":     from.Address.Hex(),
		"to":       to.Hex(),
		"amount":   amount.String(),
		"txStatus": string(r.Status),
		"txHash":   r.TxHash,
	})

	return step
}

func (c *Controller) fail(ctx context.Context, step StepResult, reason string, err error) StepResult {
	step.Status, step.Reason = StatusError, reason

	c.record(ctx, store.EventError, map[string]interface{}{"step": step.Step, "reason": reason, "error": err.Error()})
	c.cfg.Logger.Error(reason, "step", step.Step, "error", err)

	return step
}

func (c *Controller) balance(ctx context.Context, holder common.Address) (*big.Int, error) {
	return c.cfg.Oracle.BalanceOf(ctx, holder, c.cfg.Token)
}

func (c *Controller) record(ctx context.Context, typ string, meta map[string]interface{}) {
	if c.cfg.Recorder == nil {
		return
	}

	_, _ = c.cfg.Recorder.Record(ctx, typ, meta)
}
