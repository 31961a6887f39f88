// Package memchain is an in-process chain holding native balances and ERC-20 ledgers. Transactions must be signed
// for its chain id and are applied synchronously; receipts are available right after Send unless held. It supports
// fault injection for tests: failing sends, failing balance reads, forced reverts and withheld receipts.
package memchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/tarancss/fundpool/lib/block/erc20"
	"github.com/tarancss/fundpool/lib/block/types"
)

// Gas used by plain value transfers and by token calls.
const (
	TransferGas uint64 = 21000
	CallGas     uint64 = 60000
)

// Errors returned.
var (
	ErrNonce        = errors.New("invalid nonce")
	ErrInsufficient = errors.New("insufficient funds for gas * price + value")
)

type ledger struct {
	decimals   uint8
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

func (l *ledger) balance(a common.Address) *big.Int {
	if b, ok := l.balances[a]; ok {
		return b
	}

	return new(big.Int)
}

func (l *ledger) allowance(owner, spender common.Address) *big.Int {
	if m, ok := l.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return v
		}
	}

	return new(big.Int)
}

func (l *ledger) setAllowance(owner, spender common.Address, v *big.Int) {
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]*big.Int)
	}

	l.allowances[owner][spender] = new(big.Int).Set(v)
}

func (l *ledger) move(from, to common.Address, amount *big.Int) {
	l.balances[from] = new(big.Int).Sub(l.balance(from), amount)
	l.balances[to] = new(big.Int).Add(l.balance(to), amount)
}

// Chain is an in-memory chain. The zero value is not usable, call New.
type Chain struct {
	mu       sync.Mutex
	chainID  *big.Int
	signer   gethtypes.Signer
	native   map[common.Address]*big.Int
	tokens   map[common.Address]*ledger
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*gethtypes.Receipt
	sent     []*gethtypes.Transaction
	block    uint64
	tip      *big.Int
	feeCap   *big.Int

	held        map[common.Address]bool
	failSend    map[common.Address]error
	failBalance map[common.Address]error
	reverts     map[common.Address]string
	calls       map[string]int
}

// New returns an empty chain with zero fees.
func New(chainID int64) *Chain {
	id := big.NewInt(chainID)

	return &Chain{
		chainID:     id,
		signer:      gethtypes.LatestSignerForChainID(id),
		native:      make(map[common.Address]*big.Int),
		tokens:      make(map[common.Address]*ledger),
		nonces:      make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*gethtypes.Receipt),
		tip:         new(big.Int),
		feeCap:      new(big.Int),
		held:        make(map[common.Address]bool),
		failSend:    make(map[common.Address]error),
		failBalance: make(map[common.Address]error),
		reverts:     make(map[common.Address]string),
		calls:       make(map[string]int),
	}
}

// AddToken deploys an ERC-20 ledger at address.
func (c *Chain) AddToken(address common.Address, decimals uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens[address] = &ledger{
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// SetTokenBalance sets the token balance of holder.
func (c *Chain) SetTokenBalance(token, holder common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens[token].balances[holder] = new(big.Int).Set(amount)
}

// TokenBalance returns the token balance of holder.
func (c *Chain) TokenBalance(token, holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return new(big.Int).Set(c.tokens[token].balance(holder))
}

// SetAllowance sets the allowance of spender over the tokens of owner.
func (c *Chain) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens[token].setAllowance(owner, spender, amount)
}

// AllowanceOf returns the allowance of spender over the tokens of owner.
func (c *Chain) AllowanceOf(token, owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return new(big.Int).Set(c.tokens[token].allowance(owner, spender))
}

// SetNative sets the native balance of address.
func (c *Chain) SetNative(address common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.native[address] = new(big.Int).Set(amount)
}

// SetFees sets the fees returned by SuggestFees. Gas is charged at the tip.
func (c *Chain) SetFees(tip, feeCap *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tip, c.feeCap = new(big.Int).Set(tip), new(big.Int).Set(feeCap)
}

// HoldReceipts makes transactions sent by address apply without ever producing a receipt.
func (c *Chain) HoldReceipts(address common.Address, hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.held[address] = hold
}

// FailSend makes every Send from address fail with err. A nil err clears it.
func (c *Chain) FailSend(address common.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		delete(c.failSend, address)
		return
	}

	c.failSend[address] = err
}

// FailBalance makes token and native balance reads of holder fail with err. A nil err clears it.
func (c *Chain) FailBalance(holder common.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		delete(c.failBalance, holder)
		return
	}

	c.failBalance[holder] = err
}

// Revert makes every state changing token call moving funds of address revert with reason. An empty reason clears it.
func (c *Chain) Revert(address common.Address, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reason == "" {
		delete(c.reverts, address)
		return
	}

	c.reverts[address] = reason
}

// Calls returns how many times the token method was executed, simulations and reads included.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls[method]
}

// Sent returns the accepted transactions in order.
func (c *Chain) Sent() []*gethtypes.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*gethtypes.Transaction(nil), c.sent...)
}

// ChainID implements block.Chain.
func (c *Chain) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close implements block.Chain.
func (c *Chain) Close() {}

// NativeBalance implements block.Chain.
func (c *Chain) NativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failBalance[address]; err != nil {
		return nil, err
	}

	return new(big.Int).Set(c.nativeOf(address)), nil
}

// Call implements block.Chain.
func (c *Chain) Call(ctx context.Context, msg geth.CallMsg) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(msg.From, msg.To, msg.Data, false)
}

// EstimateGas implements block.Chain.
func (c *Chain) EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if len(msg.Data) == 0 {
		return TransferGas, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.exec(msg.From, msg.To, msg.Data, false); err != nil {
		return 0, err
	}

	return CallGas, nil
}

// PendingNonce implements block.Chain.
func (c *Chain) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nonces[address], nil
}

// SuggestFees implements block.Chain.
func (c *Chain) SuggestFees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return new(big.Int).Set(c.tip), new(big.Int).Set(c.feeCap), nil
}

// Send implements block.Chain. The transaction is validated like a node would: signature, chain id, nonce and
// funds for gas * fee cap + value. Token calls that revert are mined with a failed receipt.
func (c *Chain) Send(ctx context.Context, tx *gethtypes.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from, err := gethtypes.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	if err = c.failSend[from]; err != nil {
		return err
	}

	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("%w: have %d, want %d", ErrNonce, tx.Nonce(), c.nonces[from])
	}

	cost := new(big.Int).Mul(tx.GasFeeCap(), new(big.Int).SetUint64(tx.Gas()))
	cost.Add(cost, tx.Value())

	if c.nativeOf(from).Cmp(cost) < 0 {
		return fmt.Errorf("%w: address %s have %s want %s", ErrInsufficient, from.Hex(), c.nativeOf(from), cost)
	}

	c.nonces[from]++
	c.block++

	gasUsed := TransferGas
	status := gethtypes.ReceiptStatusSuccessful

	if len(tx.Data()) > 0 {
		gasUsed = CallGas
		if _, err = c.exec(from, tx.To(), tx.Data(), true); err != nil {
			status = gethtypes.ReceiptStatusFailed
		}
	}

	if status == gethtypes.ReceiptStatusSuccessful && tx.Value().Sign() > 0 && tx.To() != nil {
		c.native[from] = new(big.Int).Sub(c.nativeOf(from), tx.Value())
		c.native[*tx.To()] = new(big.Int).Add(c.nativeOf(*tx.To()), tx.Value())
	}

	price := tx.GasTipCap()
	if price.Cmp(tx.GasFeeCap()) > 0 {
		price = tx.GasFeeCap()
	}

	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(gasUsed))
	c.native[from] = new(big.Int).Sub(c.nativeOf(from), fee)

	c.sent = append(c.sent, tx)

	if c.held[from] {
		return nil
	}

	c.receipts[tx.Hash()] = &gethtypes.Receipt{
		Type:              tx.Type(),
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           gasUsed,
		EffectiveGasPrice: new(big.Int).Set(price),
		BlockNumber:       new(big.Int).SetUint64(c.block),
	}

	return nil
}

// Receipt implements block.Chain.
func (c *Chain) Receipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.receipts[hash]
	if !ok {
		return nil, types.ErrNoReceipt
	}

	return r, nil
}

func (c *Chain) nativeOf(a common.Address) *big.Int {
	if b, ok := c.native[a]; ok {
		return b
	}

	return new(big.Int)
}

func revert(reason string) error {
	return &types.RevertError{Reason: reason}
}

// exec runs a token call from sender. State is only modified when commit is set. Must be called with mu held.
func (c *Chain) exec(sender common.Address, to *common.Address, data []byte, commit bool) ([]byte, error) {
	if to == nil {
		return nil, revert("contract creation not supported")
	}

	l, ok := c.tokens[*to]
	if !ok {
		if len(data) == 0 {
			return nil, nil
		}

		return nil, revert("no contract code at " + to.Hex())
	}

	m, args, err := erc20.Decode(data)
	if err != nil {
		return nil, revert(err.Error())
	}

	c.calls[m.Name]++

	switch m.Name {
	case "balanceOf":
		holder := args[0].(common.Address)
		if err = c.failBalance[holder]; err != nil {
			return nil, err
		}

		return m.Outputs.Pack(l.balance(holder))
	case "allowance":
		return m.Outputs.Pack(l.allowance(args[0].(common.Address), args[1].(common.Address)))
	case "decimals":
		return m.Outputs.Pack(l.decimals)
	case "approve":
		if reason, ok := c.reverts[sender]; ok {
			return nil, revert(reason)
		}

		if commit {
			l.setAllowance(sender, args[0].(common.Address), args[1].(*big.Int))
		}
	case "transfer":
		dst, amount := args[0].(common.Address), args[1].(*big.Int)
		if reason, ok := c.reverts[sender]; ok {
			return nil, revert(reason)
		}

		if l.balance(sender).Cmp(amount) < 0 {
			return nil, revert("ERC20: transfer amount exceeds balance")
		}

		if commit {
			l.move(sender, dst, amount)
		}
	case "transferFrom":
		src, dst, amount := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		if reason, ok := c.reverts[src]; ok {
			return nil, revert(reason)
		}

		allowed := l.allowance(src, sender)
		if allowed.Cmp(amount) < 0 {
			return nil, revert("ERC20: insufficient allowance")
		}

		if l.balance(src).Cmp(amount) < 0 {
			return nil, revert("ERC20: transfer amount exceeds balance")
		}

		if commit {
			if allowed.Cmp(erc20.MaxAllowance) != 0 {
				l.setAllowance(src, sender, new(big.Int).Sub(allowed, amount))
			}

			l.move(src, dst, amount)
		}
	}

	return m.Outputs.Pack(true)
}
