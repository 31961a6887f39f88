// Package block defines the interface required for the blockchain connection.
package block

import (
	"context"
	"math/big"
	"strings"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/tarancss/fundpool/lib/block/ethereum"
	"github.com/tarancss/fundpool/lib/block/memchain"
	"github.com/tarancss/fundpool/lib/config"
)

// MemoryNode selects the in-memory chain instead of a node url.
const MemoryNode = "memory://"

// Chain is an interface that contains the required methods. Callers wrap reads with the rate limiter and the retry
// layer; Send is never retried.
type Chain interface {
	ChainID() *big.Int
	Close()
	NativeBalance(ctx context.Context, address common.Address) (*big.Int, error)
	// Call executes a read only contract call. A revert is returned as *types.RevertError.
	Call(ctx context.Context, msg geth.CallMsg) ([]byte, error)
	// EstimateGas doubles as the simulation of a state changing call: a predicted revert is returned as
	// *types.RevertError.
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (tip, feeCap *big.Int, err error)
	Send(ctx context.Context, tx *gethtypes.Transaction) error
	// Receipt returns types.ErrNoReceipt until the transaction is mined.
	Receipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
}

var (
	_ Chain = (*ethereum.Ethereum)(nil)
	_ Chain = (*memchain.Chain)(nil)
)

// Init returns the client for the configured chain. The in-memory chain gets the token deployed so that dry runs work
// out of the box.
func Init(bc config.ChainConfig) (Chain, error) {
	if strings.HasPrefix(bc.Node, MemoryNode) {
		c := memchain.New(bc.ChainID)
		c.AddToken(common.HexToAddress(bc.Token), uint8(bc.TokenDecimals))

		return c, nil
	}

	return ethereum.Init(bc.Node, bc.Secret, bc.ChainID)
}
