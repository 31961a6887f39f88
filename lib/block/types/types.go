// Package types common blockchain types.
package types

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Transaction status constants
const (
	TrxPending uint8 = 0
	TrxFailed  uint8 = 1
	TrxSuccess uint8 = 2
)

// Trans contains a simplified number of transaction fields. It is the transaction reference reported in results and
// events.
type Trans struct {
	Hash   string `json:"hash"`
	From   string `json:"from"`
	To     string `json:"to"`
	Value  string `json:"value,omitempty"`
	Data   string `json:"data,omitempty"`
	Nonce  uint64 `json:"nonce"`
	Gas    uint64 `json:"gas"`
	FeeCap string `json:"feeCap"`
	Fee    string `json:"fee,omitempty"`
	Block  uint64 `json:"block,omitempty"`
	Status uint8  `json:"status"`
}

// NewTrans summarizes a signed transaction sent by from.
func NewTrans(tx *gethtypes.Transaction, from common.Address) Trans {
	t := Trans{
		Hash:   tx.Hash().Hex(),
		From:   from.Hex(),
		Nonce:  tx.Nonce(),
		Gas:    tx.Gas(),
		FeeCap: tx.GasFeeCap().String(),
		Status: TrxPending,
	}

	if tx.To() != nil {
		t.To = tx.To().Hex()
	}

	if tx.Value().Sign() > 0 {
		t.Value = tx.Value().String()
	}

	if len(tx.Data()) > 0 {
		t.Data = hexutil.Encode(tx.Data())
	}

	return t
}

// Settle completes t with the outcome in r.
func (t *Trans) Settle(r *gethtypes.Receipt) {
	t.Status = TrxFailed

	if r.BlockNumber != nil {
		t.Block = r.BlockNumber.Uint64()
	}

	if r.Status == gethtypes.ReceiptStatusSuccessful {
		t.Status = TrxSuccess
	}

	if r.EffectiveGasPrice != nil {
		t.Fee = new(big.Int).Mul(r.EffectiveGasPrice, new(big.Int).SetUint64(r.GasUsed)).String()
	}
}

// Error codes.
var (
	ErrNoReceipt = errors.New("transaction receipt not available yet")
	ErrReverted  = errors.New("execution reverted")
	ErrChainID   = errors.New("node chain id does not match the configuration")
)

// RevertError is a predicted or actual contract revert with its decoded reason.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return ErrReverted.Error()
	}

	return ErrReverted.Error() + ": " + e.Reason
}

// Unwrap lets errors.Is match ErrReverted.
func (e *RevertError) Unwrap() error { return ErrReverted }

// ErrorData returns the raw revert data hex encoded, as JSON-RPC servers do.
func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.Data) }
