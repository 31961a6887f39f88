package derive

import (
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testSeed     = "642ce4e20f09c9f4d285c2b336063eaafbe4cb06dece8134f3a64bdd8f8c0c24df73e1a2e7056359b6db61e179ff45e5ada51d14f07b30becb6d92b961d35df4" //nolint:lll // testdata
)

func TestNew_Secrets(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		ok     bool
	}{
		{"mnemonic", testMnemonic, true},
		{"mnemonic extra spaces", "  " + testMnemonic + "  ", true},
		{"hex seed", testSeed, true},
		{"hex seed 0x", "0x" + testSeed, true},
		{"empty", "", false},
		{"bad checksum", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon", false},
		{"short seed", "642ce4e2", false},
		{"not hex", "zz2ce4e20f09c9f4d285c2b336063eaafbe4cb06dece8134f3a64bdd8f8c0c24df73e1a2e7056359b6db61e179ff45e5ada51d14f07b30becb6d92b961d35df4", false}, //nolint:lll // testdata
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.secret)
			if tt.ok {
				require.NoError(t, err)
				require.NotNil(t, d)
			} else {
				assert.ErrorIs(t, err, ErrBadSecret)
			}
		})
	}
}

func TestDerive_Deterministic(t *testing.T) {
	d1, err := New(testMnemonic)
	require.NoError(t, err)
	d2, err := New(testMnemonic)
	require.NoError(t, err)

	for _, i := range []uint32{0, 1, 2, 10, 1000, 1001, 50000} {
		a1, err := d1.Derive(i)
		require.NoError(t, err)
		a2, err := d2.Derive(i)
		require.NoError(t, err)
		again, err := d1.Derive(i)
		require.NoError(t, err)

		assert.Equal(t, a1.Address, a2.Address, "index %d", i)
		assert.Equal(t, a1.Address, again.Address, "index %d", i)
		assert.Equal(t, i, a1.Index)
		assert.NotEqual(t, common.Address{}, a1.Address)
	}
}

func TestDerive_DistinctIndicesAndSecrets(t *testing.T) {
	d, err := New(testMnemonic)
	require.NoError(t, err)
	other, err := New(testSeed)
	require.NoError(t, err)

	seen := map[common.Address]uint32{}
	for i := uint32(0); i < 50; i++ {
		a, err := d.Address(i)
		require.NoError(t, err)
		prev, dup := seen[a]
		require.False(t, dup, "index %d collides with %d", i, prev)
		seen[a] = i

		b, err := other.Address(i)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	}
}

func TestDerive_Concurrent(t *testing.T) {
	d, err := New(testMnemonic)
	require.NoError(t, err)

	want, err := d.Address(7)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := d.Address(7)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestSignTx_RecoversAddress(t *testing.T) {
	d, err := New(testMnemonic)
	require.NoError(t, err)

	acc, err := d.Derive(3)
	require.NoError(t, err)

	chainID := big.NewInt(31337)
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: chainID, Nonce: 1, Gas: 21000, To: &to, Value: big.NewInt(1),
		GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2)})

	signed, err := acc.SignTx(tx, chainID)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, acc.Address, from)
}

func TestFind(t *testing.T) {
	d, err := New(testMnemonic)
	require.NoError(t, err)

	target, err := d.Address(1005)
	require.NoError(t, err)

	i, err := d.Find(target, 1000, 1010)
	require.NoError(t, err)
	assert.Equal(t, uint32(1005), i)

	_, err = d.Find(target, 1000, 1005)
	assert.ErrorIs(t, err, ErrNotFound)
}
