// Package derive turns the master secret into signing accounts. Accounts are never stored: each one is recomputed from
// its derivation index on the external chain of the HD tree.
package derive

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tarancss/hd"
	"github.com/tyler-smith/go-bip39"
)

// Errors returned.
var (
	ErrBadSecret = errors.New("master secret is neither a valid mnemonic nor a 64-byte hex seed")
	ErrNotFound  = errors.New("address is not derived from the master secret in the searched range")
)

// Account is a derived address together with its signing capability.
type Account struct {
	Index   uint32
	Address common.Address
	key     *ecdsa.PrivateKey
}

// SignTx signs tx with the account key using the latest signer for chainID.
func (a Account) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if a.key == nil {
		return nil, fmt.Errorf("account %d has no signing key", a.Index)
	}

	return types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
}

// Deriver derives accounts from one master secret.
type Deriver struct {
	mu sync.Mutex // guards w, the hd wallet keeps internal node state
	w  *hd.HdWallet
}

// New parses the secret, either a BIP-39 mnemonic or a hex encoded 64-byte seed, and returns a Deriver. A malformed
// secret is fatal: no account can be derived.
func New(secret string) (*Deriver, error) {
	seed, err := Seed(secret)
	if err != nil {
		return nil, err
	}

	w, err := hd.Init(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSecret, err)
	}

	return &Deriver{w: w}, nil
}

// Seed decodes the secret into the 64-byte seed of the HD tree.
func Seed(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrBadSecret
	}

	if strings.Contains(secret, " ") {
		mnemonic := strings.Join(strings.Fields(secret), " ")
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, ErrBadSecret
		}

		return bip39.NewSeed(mnemonic, ""), nil
	}

	seed, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
	if err != nil || len(seed) != 64 {
		return nil, ErrBadSecret
	}

	return seed, nil
}

// Derive returns the account at index. Same secret and index always yield the same account.
func (d *Deriver) Derive(index uint32) (Account, error) {
	d.mu.Lock()
	_, key, _, err := d.w.Address(0, hd.External, index)
	d.mu.Unlock()

	if err != nil {
		return Account{}, fmt.Errorf("cannot derive index %d: %w", index, err)
	}

	prv, err := crypto.ToECDSA(key)
	if err != nil {
		return Account{}, fmt.Errorf("derived key %d is not a valid secp256k1 key: %w", index, err)
	}

	return Account{Index: index, Address: crypto.PubkeyToAddress(prv.PublicKey), key: prv}, nil
}

// Address is a shortcut for Derive(index).Address.
func (d *Deriver) Address(index uint32) (common.Address, error) {
	a, err := d.Derive(index)
	if err != nil {
		return common.Address{}, err
	}

	return a.Address, nil
}

// Find searches [from, to) for the index deriving addr. It is the slow path behind the reverse lookup cache.
func (d *Deriver) Find(addr common.Address, from, to uint32) (uint32, error) {
	for i := from; i < to; i++ {
		a, err := d.Address(i)
		if err != nil {
			return 0, err
		}

		if a == addr {
			return i, nil
		}
	}

	return 0, ErrNotFound
}
