// Implements interface for ethereum networks
package ethereum

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tarancss/fundpool/lib/block/types"
	"github.com/tarancss/fundpool/lib/retry"
)

// revertCode is the JSON-RPC error code geth nodes use for execution reverted.
const revertCode = 3

const dialTimeout = 10 * time.Second

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	c       *ethclient.Client
	chainID *big.Int
}

// Init returns a connection to an ethereum node, using secret if necessary for basic authentication. The chain id
// reported by the node must match chainID.
func Init(node, secret string, chainID int64) (*Ethereum, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var opts []rpc.ClientOption
	if secret != "" {
		opts = append(opts, rpc.WithHeader("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(secret))))
	}

	rc, err := rpc.DialOptions(ctx, node, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to ethereum node in %s: %w", node, err)
	}

	c := ethclient.NewClient(rc)

	id, err := c.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("cannot read chain id from %s: %w", node, mapErr(err))
	}

	if id.Int64() != chainID {
		c.Close()
		return nil, fmt.Errorf("%w: node %s, configured %d", types.ErrChainID, id, chainID)
	}

	return &Ethereum{c: c, chainID: id}, nil
}

// ChainID returns the chain id transactions are signed for.
func (e *Ethereum) ChainID() *big.Int {
	return new(big.Int).Set(e.chainID)
}

// Close ends a connection
func (e *Ethereum) Close() {
	e.c.Close()
}

// NativeBalance returns the ether balance of address at the latest block.
func (e *Ethereum) NativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	bal, err := e.c.BalanceAt(ctx, address, nil)

	return bal, mapErr(err)
}

// Call executes msg as an eth_call against the latest block.
func (e *Ethereum) Call(ctx context.Context, msg geth.CallMsg) ([]byte, error) {
	out, err := e.c.CallContract(ctx, msg, nil)

	return out, mapErr(err)
}

// EstimateGas estimates the gas msg needs. A revert is reported as *types.RevertError.
func (e *Ethereum) EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error) {
	gas, err := e.c.EstimateGas(ctx, msg)

	return gas, mapErr(err)
}

// PendingNonce returns the next nonce of address including pending transactions.
func (e *Ethereum) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	n, err := e.c.PendingNonceAt(ctx, address)

	return n, mapErr(err)
}

// SuggestFees returns the EIP-1559 tip and fee cap, the cap being twice the latest base fee plus the tip. Chains
// without a base fee get the legacy gas price for both.
func (e *Ethereum) SuggestFees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	head, err := e.c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, mapErr(err)
	}

	if head.BaseFee == nil {
		price, err := e.c.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, mapErr(err)
		}

		return price, price, nil
	}

	if tip, err = e.c.SuggestGasTipCap(ctx); err != nil {
		return nil, nil, mapErr(err)
	}

	feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	return tip, feeCap, nil
}

// Send broadcasts a signed transaction.
func (e *Ethereum) Send(ctx context.Context, tx *gethtypes.Transaction) error {
	return mapErr(e.c.SendTransaction(ctx, tx))
}

// Receipt returns the receipt of hash or types.ErrNoReceipt while it is not mined.
func (e *Ethereum) Receipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	r, err := e.c.TransactionReceipt(ctx, hash)
	if errors.Is(err, geth.NotFound) {
		return nil, types.ErrNoReceipt
	}

	return r, mapErr(err)
}

// mapErr converts node errors into the types the callers classify: reverts become *types.RevertError and HTTP
// failures carry their status code for the retry layer.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	var rerr rpc.Error
	if errors.As(err, &rerr) && (rerr.ErrorCode() == revertCode || strings.Contains(rerr.Error(), "revert")) {
		re := &types.RevertError{Reason: strings.TrimPrefix(rerr.Error(), "execution reverted: ")}

		var derr rpc.DataError
		if errors.As(err, &derr) {
			if s, ok := derr.ErrorData().(string); ok {
				if data, decErr := hexutil.Decode(s); decErr == nil {
					re.Data = data
					if reason, uerr := abi.UnpackRevert(data); uerr == nil {
						re.Reason = reason
					}
				}
			}
		}

		return re
	}

	var herr rpc.HTTPError
	if errors.As(err, &herr) {
		return fmt.Errorf("%w: %w", &retry.StatusError{Code: herr.StatusCode, Body: string(herr.Body)}, err)
	}

	return err
}
