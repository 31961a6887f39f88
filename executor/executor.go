// Package executor submits state changing calls from derived accounts and waits for their finality.
//
// Every action is simulated first; a predicted revert is reported without submitting anything. Nonces are assigned
// per signer inside the process, seeded from the pending nonce of the node and resynchronized after any failure. When
// a sponsor account is configured and the signer cannot pay for gas, the sponsor tops it up first.
//
// A signed transaction is sent exactly once. When the send call fails at the transport level, or the receipt does not
// arrive before the finality timeout, the outcome is unknown and is reported as StatusAmbiguous: the caller must
// re-read balances before deciding to act again.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"github.com/tarancss/fundpool/lib/block/erc20"
	"github.com/tarancss/fundpool/lib/block/types"
	"github.com/tarancss/fundpool/lib/derive"
	"github.com/tarancss/fundpool/lib/logger"
	"github.com/tarancss/fundpool/lib/metrics"
	"github.com/tarancss/fundpool/lib/retry"
	"github.com/tarancss/fundpool/oracle"
)

// Kind of action.
type Kind string

// Supported actions.
const (
	KindApprove  Kind = "approve"
	KindTransfer Kind = "transfer"
	KindClaim    Kind = "claim"
)

// Status of an executed action.
type Status string

// Action outcomes.
const (
	StatusConfirmed        Status = "confirmed"
	StatusFailed           Status = "failed"
	StatusSimulationFailed Status = "simulation-failed"
	StatusAmbiguous        Status = "ambiguous"
	StatusSimulated        Status = "simulated"
)

// Errors returned along with the matching Result status.
var (
	ErrSimulation = errors.New("simulation predicted a revert")
	ErrAmbiguous  = errors.New("transaction outcome unknown")
	ErrFailed     = errors.New("transaction failed")
	ErrSponsor    = errors.New("gas sponsorship failed")
)

// gasMargin is the percentage added to the simulated gas.
const gasMargin = 20

// Action is a state changing call.
type Action struct {
	Kind   Kind
	Token  common.Address // oracle.NativeToken for native coin transfers
	To     common.Address // recipient, or spender for approvals
	Owner  common.Address // claims only: the account the tokens are pulled from
	Amount *big.Int
}

// Approve allows spender to move amount of the signer tokens.
func Approve(token, spender common.Address, amount *big.Int) Action {
	return Action{Kind: KindApprove, Token: token, To: spender, Amount: amount}
}

// Transfer moves amount of token from the signer to to.
func Transfer(token, to common.Address, amount *big.Int) Action {
	return Action{Kind: KindTransfer, Token: token, To: to, Amount: amount}
}

// Claim pulls amount of the owner tokens to to, using the allowance granted to the signer.
func Claim(token, owner, to common.Address, amount *big.Int) Action {
	return Action{Kind: KindClaim, Token: token, Owner: owner, To: to, Amount: amount}
}

func (a Action) msg(from common.Address) geth.CallMsg {
	switch {
	case a.Token == oracle.NativeToken:
		to := a.To
		return geth.CallMsg{From: from, To: &to, Value: a.Amount}
	case a.Kind == KindApprove:
		return geth.CallMsg{From: from, To: &a.Token, Data: erc20.Approve(a.To, a.Amount)}
	case a.Kind == KindClaim:
		return geth.CallMsg{From: from, To: &a.Token, Data: erc20.TransferFrom(a.Owner, a.To, a.Amount)}
	}

	return geth.CallMsg{From: from, To: &a.Token, Data: erc20.Transfer(a.To, a.Amount)}
}

// Result is the settlement of an action.
type Result struct {
	Kind    Kind         `json:"kind"`
	Status  Status       `json:"status"`
	From    string       `json:"from"`
	To      string       `json:"to"`
	Amount  string       `json:"amount"`
	TxHash  string       `json:"txHash,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Tx      *types.Trans `json:"tx,omitempty"`
	Sponsor *Result      `json:"sponsor,omitempty"`
}

// Config holds executor configuration.
type Config struct {
	Oracle          *oracle.Oracle
	Sponsor         *derive.Account // optional
	FinalityTimeout time.Duration
	PollInterval    time.Duration
	DryRun          bool
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

type signerState struct {
	mu    sync.Mutex
	next  uint64
	known bool
}

// Executor executes actions.
type Executor struct {
	cfg Config

	mu      sync.Mutex
	signers map[common.Address]*signerState
}

// New returns an Executor.
func New(cfg Config) *Executor {
	if cfg.FinalityTimeout <= 0 {
		cfg.FinalityTimeout = 2 * time.Minute
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return &Executor{cfg: cfg, signers: make(map[common.Address]*signerState)}
}

func (e *Executor) signer(a common.Address) *signerState {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.signers[a]
	if !ok {
		s = &signerState{}
		e.signers[a] = s
	}

	return s
}

// Execute simulates, signs, submits and awaits the action from acc. The returned error wraps ErrSimulation,
// ErrAmbiguous, ErrFailed or ErrSponsor matching the Result status; a nil error means StatusConfirmed or, in dry-run
// mode, StatusSimulated.
func (e *Executor) Execute(ctx context.Context, acc derive.Account, a Action) (res Result, err error) {
	res = Result{Kind: a.Kind, From: acc.Address.Hex(), To: a.To.Hex(), Amount: a.Amount.String()}
	if a.Kind == KindClaim {
		res.From = a.Owner.Hex()
	}

	defer func() {
		metrics.TransactionsTotal.WithLabelValues(string(a.Kind), string(res.Status)).Inc()

		log := e.cfg.Logger.With("kind", a.Kind, "signer", acc.Address.Hex(), "to", res.To, "amount", res.Amount,
			"status", res.Status, "tx", res.TxHash)
		if err != nil {
			log.Warn("action not confirmed", "reason", res.Reason, "error", err)
		} else {
			log.Info("action executed")
		}
	}()

	msg := a.msg(acc.Address)

	gas, err := e.simulate(ctx, msg)
	if err != nil {
		var re *types.RevertError
		if errors.As(err, &re) {
			res.Status, res.Reason = StatusSimulationFailed, re.Reason
			return res, fmt.Errorf("%w: %s", ErrSimulation, re.Reason)
		}

		res.Status, res.Reason = StatusFailed, "simulation unavailable"

		return res, fmt.Errorf("%w: %w", ErrFailed, err)
	}

	if e.cfg.DryRun {
		res.Status = StatusSimulated
		return res, nil
	}

	tip, feeCap, err := e.fees(ctx)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "fees unavailable"
		return res, fmt.Errorf("%w: %w", ErrFailed, err)
	}

	res.Sponsor, err = e.sponsor(ctx, acc.Address, gas, feeCap, msg.Value)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "gas sponsorship failed"
		return res, fmt.Errorf("%w: %w", ErrSponsor, err)
	}

	tx, err := e.send(ctx, acc, msg, gas, tip, feeCap)
	if tx != nil {
		trans := types.NewTrans(tx, acc.Address)
		res.TxHash, res.Tx = trans.Hash, &trans
	}

	if err != nil {
		if errors.Is(err, ErrAmbiguous) {
			res.Status, res.Reason = StatusAmbiguous, "send outcome unknown"
		} else {
			res.Status, res.Reason = StatusFailed, "rejected by node"
		}

		return res, err
	}

	r, err := e.await(ctx, tx.Hash())
	if err != nil {
		res.Status, res.Reason = StatusAmbiguous, "finality not confirmed"
		return res, fmt.Errorf("%w: %s: %w", ErrAmbiguous, tx.Hash().Hex(), err)
	}

	res.Tx.Settle(r)

	if r.Status != gethtypes.ReceiptStatusSuccessful {
		res.Status, res.Reason = StatusFailed, "reverted on chain"
		return res, fmt.Errorf("%w: %s reverted", ErrFailed, tx.Hash().Hex())
	}

	res.Status = StatusConfirmed

	return res, nil
}

// simulate estimates the gas of msg, adding a safety margin. A predicted revert surfaces as *types.RevertError.
func (e *Executor) simulate(ctx context.Context, msg geth.CallMsg) (uint64, error) {
	gas, err := oracle.Read(ctx, e.cfg.Oracle, "estimate_gas", func(ctx context.Context) (uint64, error) {
		return e.cfg.Oracle.Chain().EstimateGas(ctx, msg)
	})
	if err != nil {
		return 0, err
	}

	return gas + gas*gasMargin/100, nil
}

func (e *Executor) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	fees, err := oracle.Read(ctx, e.cfg.Oracle, "suggest_fees", func(ctx context.Context) ([2]*big.Int, error) {
		tip, feeCap, err := e.cfg.Oracle.Chain().SuggestFees(ctx)
		return [2]*big.Int{tip, feeCap}, err
	})
	if err != nil {
		return nil, nil, err
	}

	return fees[0], fees[1], nil
}

// sponsor tops up signer when its native balance cannot pay gas * feeCap + value. It returns nil when no top-up was
// needed or no sponsor is configured.
func (e *Executor) sponsor(ctx context.Context, signer common.Address, gas uint64, feeCap, value *big.Int) (*Result,
	error,
) {
	if e.cfg.Sponsor == nil || e.cfg.Sponsor.Address == signer {
		return nil, nil
	}

	need := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas))
	if value != nil {
		need.Add(need, value)
	}

	if need.Sign() == 0 {
		return nil, nil
	}

	bal, err := e.cfg.Oracle.BalanceOf(ctx, signer, oracle.NativeToken)
	if err != nil {
		return nil, err
	}

	if bal.Cmp(need) >= 0 {
		return nil, nil
	}

	topUp := new(big.Int).Sub(need, bal)
	e.cfg.Logger.Debug("sponsoring gas", "signer", signer.Hex(), "amount", topUp)

	res, err := e.Execute(ctx, *e.cfg.Sponsor, Transfer(oracle.NativeToken, signer, topUp))

	return &res, err
}

// send signs msg with the next nonce of acc and submits it once. Any failure resynchronizes the nonce from the node
// on the next call.
func (e *Executor) send(ctx context.Context, acc derive.Account, msg geth.CallMsg, gas uint64, tip, feeCap *big.Int,
) (*gethtypes.Transaction, error) {
	st := e.signer(acc.Address)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.known {
		n, err := oracle.Read(ctx, e.cfg.Oracle, "pending_nonce", func(ctx context.Context) (uint64, error) {
			return e.cfg.Oracle.Chain().PendingNonce(ctx, acc.Address)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailed, err)
		}

		st.next, st.known = n, true
	}

	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}

	chainID := e.cfg.Oracle.Chain().ChainID()

	tx, err := acc.SignTx(gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     st.next,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        msg.To,
		Value:     value,
		Data:      msg.Data,
	}), chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot sign: %w", ErrFailed, err)
	}

	if err = e.cfg.Oracle.Limiter().Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailed, err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.Oracle.CallTimeout())
	err = e.cfg.Oracle.Chain().Send(sctx, tx)
	cancel()

	if err != nil {
		st.known = false

		// the node may have accepted the transaction before the transport failed
		if retry.IsRetryable(err) {
			return tx, fmt.Errorf("%w: send %s: %w", ErrAmbiguous, tx.Hash().Hex(), err)
		}

		return tx, fmt.Errorf("%w: send: %w", ErrFailed, err)
	}

	st.next++

	return tx, nil
}

// await polls the receipt of hash until it is mined or the finality timeout expires.
func (e *Executor) await(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	start := e.cfg.Clock.Now()

	for {
		r, err := e.receipt(ctx, hash)
		if err == nil {
			return r, nil
		}

		if !errors.Is(err, types.ErrNoReceipt) {
			e.cfg.Logger.Debug("receipt poll failed", "tx", hash.Hex(), "error", err)
		}

		if e.cfg.Clock.Since(start) >= e.cfg.FinalityTimeout {
			return nil, fmt.Errorf("no receipt after %s", e.cfg.FinalityTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.cfg.Clock.After(e.cfg.PollInterval):
		}
	}
}

func (e *Executor) receipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if err := e.cfg.Oracle.Limiter().Acquire(ctx); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.Oracle.CallTimeout())
	defer cancel()

	return e.cfg.Oracle.Chain().Receipt(rctx, hash)
}
