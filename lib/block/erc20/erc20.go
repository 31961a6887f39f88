// Package erc20 packs and unpacks the ERC-20 calls used by the pool.
package erc20

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Method IDs (keccak-256 of the function name and arguments).
const (
	Transfer256     = "a9059cbb" // transfer(address,uint256)
	TransferFrom256 = "23b872dd" // transferFrom(address,address,uint256)
	Approve256      = "095ea7b3" // approve(address,uint256)
)

const abiJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"type":"uint256"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"type":"bool"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"type":"bool"}]},
{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"type":"bool"}]}
]`

// ABI is the parsed ERC-20 subset.
var ABI = mustParse(abiJSON)

// MaxAllowance is the unlimited approval amount, 2^256-1.
var MaxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustParse(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("erc20: bad abi: %v", err))
	}

	return a
}

// pack panics on error: arguments are typed so a failure is a programming bug.
func pack(method string, args ...interface{}) []byte {
	data, err := ABI.Pack(method, args...)
	if err != nil {
		panic(fmt.Sprintf("erc20: pack %s: %v", method, err))
	}

	return data
}

// BalanceOf returns the calldata of balanceOf(holder).
func BalanceOf(holder common.Address) []byte { return pack("balanceOf", holder) }

// Allowance returns the calldata of allowance(owner, spender).
func Allowance(owner, spender common.Address) []byte { return pack("allowance", owner, spender) }

// Decimals returns the calldata of decimals().
func Decimals() []byte { return pack("decimals") }

// Approve returns the calldata of approve(spender, amount).
func Approve(spender common.Address, amount *big.Int) []byte { return pack("approve", spender, amount) }

// Transfer returns the calldata of transfer(to, amount).
func Transfer(to common.Address, amount *big.Int) []byte { return pack("transfer", to, amount) }

// TransferFrom returns the calldata of transferFrom(from, to, amount).
func TransferFrom(from, to common.Address, amount *big.Int) []byte {
	return pack("transferFrom", from, to, amount)
}

// UnpackUint decodes the single uint256 output of method.
func UnpackUint(method string, out []byte) (*big.Int, error) {
	vals, err := ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("cannot unpack %s output: %w", method, err)
	}

	if len(vals) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(vals))
	}

	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, vals[0])
	}

	return v, nil
}

// Decode returns the method and the arguments of calldata.
func Decode(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}

	m, err := ABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}

	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("cannot unpack %s arguments: %w", m.Name, err)
	}

	return m, args, nil
}
