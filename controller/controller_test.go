package controller

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundpool/executor"
	"github.com/tarancss/fundpool/ledger"
	"github.com/tarancss/fundpool/lib/block/memchain"
	"github.com/tarancss/fundpool/lib/config"
	"github.com/tarancss/fundpool/lib/derive"
	"github.com/tarancss/fundpool/lib/retry"
	"github.com/tarancss/fundpool/lib/store"
	"github.com/tarancss/fundpool/lib/store/memory"
	"github.com/tarancss/fundpool/oracle"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var token = common.HexToAddress("0x00000000000000000000000000000000000070c3")

type fixture struct {
	chain  *memchain.Chain
	db     *memory.Memory
	ctrl   *Controller
	cfg    Config
	target common.Address
}

func newFixture(t *testing.T, dryRun bool) *fixture {
	t.Helper()

	d, err := derive.New(testMnemonic)
	require.NoError(t, err)

	reserve, err := d.Derive(0)
	require.NoError(t, err)
	collection, err := d.Derive(1)
	require.NoError(t, err)
	target, err := d.Address(10)
	require.NoError(t, err)

	f := &fixture{chain: memchain.New(31337), db: memory.New(), target: target}
	f.chain.AddToken(token, 6)

	o := oracle.New(oracle.Config{Chain: f.chain, Retry: retry.Config{MaxAttempts: 1}})

	f.cfg = Config{
		Oracle:     o,
		Executor:   executor.New(executor.Config{Oracle: o, PollInterval: time.Millisecond, DryRun: dryRun}),
		Recorder:   ledger.New(ledger.Config{Store: f.db, Network: "local"}),
		Token:      token,
		Reserve:    reserve,
		Collection: collection,
		Target:     target,
		Limits: config.Limits{
			WithdrawalFloor:  big.NewInt(3000),
			WithdrawalBuffer: big.NewInt(100),
			RefillFloor:      big.NewInt(10000),
		},
	}
	f.ctrl = New(f.cfg)

	return f
}

func (f *fixture) set(reserve, collection, target int64) {
	f.chain.SetTokenBalance(token, f.cfg.Reserve.Address, big.NewInt(reserve))
	f.chain.SetTokenBalance(token, f.cfg.Collection.Address, big.NewInt(collection))
	f.chain.SetTokenBalance(token, f.target, big.NewInt(target))
}

func (f *fixture) balances() (reserve, collection, target int64) {
	return f.chain.TokenBalance(token, f.cfg.Reserve.Address).Int64(),
		f.chain.TokenBalance(token, f.cfg.Collection.Address).Int64(),
		f.chain.TokenBalance(token, f.target).Int64()
}

func TestRun_Withdrawal(t *testing.T) {
	f := newFixture(t, false)
	f.set(0, 5000, 10000)

	res := f.ctrl.Run(context.Background())
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StatusCompleted, res.Withdrawal.Status)
	assert.Equal(t, "4900", res.Withdrawal.Amount)
	assert.Equal(t, StatusSufficient, res.Refill.Status)
	assert.Equal(t, Balances{Reserve: "0", Collection: "5000", Distributor: "10000"}, res.Balances)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, executor.StatusConfirmed, res.Actions[0].Status)

	reserve, collection, _ := f.balances()
	assert.Equal(t, int64(4900), reserve)
	assert.Equal(t, int64(100), collection)

	events := f.db.EventsOfType(store.EventRoleTransfer)
	require.Len(t, events, 1)
	assert.Equal(t, StepWithdrawal, events[0].Metadata["step"])
	assert.Equal(t, "4900", events[0].Metadata["amount"])
}

func TestRun_Refill(t *testing.T) {
	f := newFixture(t, false)
	f.set(50000, 2000, 2000)

	res := f.ctrl.Run(context.Background())
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StatusSufficient, res.Withdrawal.Status)
	assert.Equal(t, StatusCompleted, res.Refill.Status)
	assert.Equal(t, "8000", res.Refill.Amount)

	reserve, collection, target := f.balances()
	assert.Equal(t, int64(42000), reserve)
	assert.Equal(t, int64(2000), collection)
	assert.Equal(t, int64(10000), target)
}

func TestRun_RefillInsufficientFunds(t *testing.T) {
	f := newFixture(t, false)
	f.set(3000, 0, 2000)

	res := f.ctrl.Run(context.Background())
	assert.Equal(t, StatusInsufficientFunds, res.Status)
	assert.Equal(t, StatusInsufficientFunds, res.Refill.Status)
	assert.Empty(t, res.Actions)
	assert.Empty(t, f.chain.Sent())

	reserve, _, target := f.balances()
	assert.Equal(t, int64(3000), reserve, "a short reserve is never partially drained")
	assert.Equal(t, int64(2000), target)

	events := f.db.EventsOfType(store.EventRefillInsufficient)
	require.Len(t, events, 1)
	assert.Equal(t, "3000", events[0].Metadata["reserve"])
	assert.Equal(t, "8000", events[0].Metadata["required"])
}

func TestRun_RefillUsesWithdrawnFunds(t *testing.T) {
	f := newFixture(t, false)
	f.set(0, 50000, 2000)

	res := f.ctrl.Run(context.Background())
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Actions, 2)

	reserve, collection, target := f.balances()
	assert.Equal(t, int64(49900-8000), reserve)
	assert.Equal(t, int64(100), collection)
	assert.Equal(t, int64(10000), target)
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t, false)
	f.set(50000, 5000, 2000)
	ctx := context.Background()

	first := f.ctrl.Run(ctx)
	assert.Equal(t, StatusCompleted, first.Status)

	sent := len(f.chain.Sent())
	r1, c1, t1 := f.balances()

	second := f.ctrl.Run(ctx)
	assert.Equal(t, StatusSufficient, second.Status)
	assert.Empty(t, second.Actions)
	assert.Len(t, f.chain.Sent(), sent)

	r2, c2, t2 := f.balances()
	assert.Equal(t, []int64{r1, c1, t1}, []int64{r2, c2, t2})
}

func TestRun_StepsAreIndependent(t *testing.T) {
	f := newFixture(t, false)
	f.set(50000, 5000, 2000)
	f.chain.FailBalance(f.cfg.Collection.Address, errors.New("boom"))

	res := f.ctrl.Run(context.Background())
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, StatusError, res.Withdrawal.Status)
	assert.Equal(t, StatusCompleted, res.Refill.Status)
	assert.Empty(t, res.Balances.Collection)

	_, _, target := f.balances()
	assert.Equal(t, int64(10000), target)
	assert.Len(t, f.db.EventsOfType(store.EventError), 1)
}

func TestRun_TransferFailureIsReported(t *testing.T) {
	f := newFixture(t, false)
	f.set(0, 5000, 10000)
	f.chain.Revert(f.cfg.Collection.Address, "paused")

	res := f.ctrl.Run(context.Background())
	assert.Equal(t, StatusError, res.Status)
	require.NotNil(t, res.Withdrawal.Action)
	assert.Equal(t, executor.StatusSimulationFailed, res.Withdrawal.Action.Status)

	events := f.db.EventsOfType(store.EventError)
	require.Len(t, events, 1)
	assert.Equal(t, string(executor.StatusSimulationFailed), events[0].Metadata["txStatus"])
}

func TestRun_DryRun(t *testing.T) {
	f := newFixture(t, true)
	f.set(50000, 5000, 2000)

	res := f.ctrl.Run(context.Background())
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Actions, 2)

	for _, a := range res.Actions {
		assert.Equal(t, executor.StatusSimulated, a.Status)
	}

	assert.Empty(t, f.chain.Sent())
}

func TestWorst(t *testing.T) {
	tests := []struct {
		in   []Status
		want Status
	}{
		{nil, StatusSufficient},
		{[]Status{StatusSufficient, StatusCompleted}, StatusCompleted},
		{[]Status{StatusInsufficientFunds, StatusCompleted}, StatusInsufficientFunds},
		{[]Status{StatusCompleted, StatusError, StatusInsufficientFunds}, StatusError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Worst(tt.in...))
	}
}
