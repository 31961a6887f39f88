package memchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/fundpool/lib/block/erc20"
	"github.com/tarancss/fundpool/lib/block/types"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000070c3")

type signer struct {
	t    *testing.T
	c    *Chain
	addr common.Address
	key  *ecdsa.PrivateKey
	sign func(*gethtypes.Transaction) *gethtypes.Transaction
}

func newSigner(t *testing.T, c *Chain) *signer {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	s := gethtypes.LatestSignerForChainID(c.ChainID())

	return &signer{t: t, c: c, addr: crypto.PubkeyToAddress(key.PublicKey), key: key,
		sign: func(tx *gethtypes.Transaction) *gethtypes.Transaction {
			signed, err := gethtypes.SignTx(tx, s, key)
			require.NoError(t, err)

			return signed
		}}
}

func (s *signer) send(to common.Address, value *big.Int, data []byte) (*gethtypes.Transaction, error) {
	nonce, err := s.c.PendingNonce(context.Background(), s.addr)
	require.NoError(s.t, err)

	tx := s.sign(gethtypes.NewTx(&gethtypes.DynamicFeeTx{ChainID: s.c.ChainID(), Nonce: nonce, Gas: CallGas, To: &to,
		Value: value, Data: data, GasTipCap: new(big.Int), GasFeeCap: new(big.Int)}))

	return tx, s.c.Send(context.Background(), tx)
}

func TestTokenFlow(t *testing.T) {
	c := New(31337)
	c.AddToken(token, 6)
	ctx := context.Background()

	user := newSigner(t, c)
	operator := newSigner(t, c)
	collection := common.HexToAddress("0x0000000000000000000000000000000000000c01")

	c.SetTokenBalance(token, user.addr, big.NewInt(500))

	out, err := c.Call(ctx, geth.CallMsg{To: &token, Data: erc20.BalanceOf(user.addr)})
	require.NoError(t, err)
	bal, err := erc20.UnpackUint("balanceOf", out)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Int64())

	// transferFrom without allowance is predicted to revert
	_, err = c.EstimateGas(ctx, geth.CallMsg{From: operator.addr, To: &token,
		Data: erc20.TransferFrom(user.addr, collection, big.NewInt(500))})
	assert.ErrorIs(t, err, types.ErrReverted)

	tx, err := user.send(token, new(big.Int), erc20.Approve(operator.addr, erc20.MaxAllowance))
	require.NoError(t, err)
	r, err := c.Receipt(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, gethtypes.ReceiptStatusSuccessful, r.Status)

	tx, err = operator.send(token, new(big.Int), erc20.TransferFrom(user.addr, collection, big.NewInt(500)))
	require.NoError(t, err)
	r, err = c.Receipt(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, gethtypes.ReceiptStatusSuccessful, r.Status)

	assert.Zero(t, c.TokenBalance(token, user.addr).Sign())
	assert.Equal(t, int64(500), c.TokenBalance(token, collection).Int64())
	assert.Equal(t, erc20.MaxAllowance, c.AllowanceOf(token, user.addr, operator.addr), "unlimited allowance is kept")

	// a transfer exceeding the balance is mined but fails
	tx, err = user.send(token, new(big.Int), erc20.Transfer(collection, big.NewInt(1)))
	require.NoError(t, err)
	r, err = c.Receipt(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, gethtypes.ReceiptStatusFailed, r.Status)

	assert.Len(t, c.Sent(), 3)
	assert.Equal(t, 2, c.Calls("transferFrom"), "simulation and execution")
}

func TestSendValidation(t *testing.T) {
	c := New(31337)
	ctx := context.Background()
	s := newSigner(t, c)
	dst := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	c.SetFees(big.NewInt(1), big.NewInt(2))

	// no native balance for gas
	tx := s.sign(gethtypes.NewTx(&gethtypes.DynamicFeeTx{ChainID: c.ChainID(), Nonce: 0, Gas: TransferGas, To: &dst,
		Value: big.NewInt(0), GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}))
	assert.ErrorIs(t, c.Send(ctx, tx), ErrInsufficient)

	c.SetNative(s.addr, big.NewInt(1_000_000))

	// wrong nonce
	tx = s.sign(gethtypes.NewTx(&gethtypes.DynamicFeeTx{ChainID: c.ChainID(), Nonce: 5, Gas: TransferGas, To: &dst,
		Value: big.NewInt(1), GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}))
	assert.ErrorIs(t, c.Send(ctx, tx), ErrNonce)

	// wrong chain id
	tx, err := gethtypes.SignTx(gethtypes.NewTx(&gethtypes.DynamicFeeTx{ChainID: big.NewInt(1), Nonce: 0,
		Gas: TransferGas, To: &dst, Value: big.NewInt(1), GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}),
		gethtypes.LatestSignerForChainID(big.NewInt(1)), s.key)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(ctx, tx), gethtypes.ErrInvalidChainId)

	tx = s.sign(gethtypes.NewTx(&gethtypes.DynamicFeeTx{ChainID: c.ChainID(), Nonce: 0, Gas: TransferGas, To: &dst,
		Value: big.NewInt(1000), GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)}))
	require.NoError(t, c.Send(ctx, tx))

	bal, err := c.NativeBalance(ctx, s.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000-1000-21000), bal.Int64(), "value plus gas at the tip")
}

func TestFaultInjection(t *testing.T) {
	c := New(31337)
	c.AddToken(token, 18)
	ctx := context.Background()
	s := newSigner(t, c)
	dst := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	boom := errors.New("boom")

	c.FailBalance(s.addr, boom)
	_, err := c.Call(ctx, geth.CallMsg{To: &token, Data: erc20.BalanceOf(s.addr)})
	assert.ErrorIs(t, err, boom)
	c.FailBalance(s.addr, nil)

	c.FailSend(s.addr, boom)
	_, err = s.send(dst, new(big.Int), nil)
	assert.ErrorIs(t, err, boom)
	c.FailSend(s.addr, nil)

	c.Revert(s.addr, "paused")
	_, err = c.Call(ctx, geth.CallMsg{From: s.addr, To: &token, Data: erc20.Approve(dst, big.NewInt(1))})
	var re *types.RevertError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "paused", re.Reason)
	c.Revert(s.addr, "")

	c.HoldReceipts(s.addr, true)
	tx, err := s.send(token, new(big.Int), erc20.Approve(dst, big.NewInt(7)))
	require.NoError(t, err)
	_, err = c.Receipt(ctx, tx.Hash())
	assert.ErrorIs(t, err, types.ErrNoReceipt)
	assert.Equal(t, int64(7), c.AllowanceOf(token, s.addr, dst).Int64(), "held transactions are still applied")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.NativeBalance(cancelled, s.addr)
	assert.ErrorIs(t, err, context.Canceled)
}
