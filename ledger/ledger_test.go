package ledger

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	testAssets = []AssetInfo{
		{ID: "DVT", Name: "Damn Valuable Token", Decimals: 18},
		{ID: "ETH", Name: "Ether", Decimals: 18},
	}
)

func TestMemoryLedgerTransfer(t *testing.T) {
	t.Run("moves value between accounts", func(t *testing.T) {
		l := NewMemoryLedger(testAssets)
		require.NoError(t, l.Mint("DVT", alice, uint256.NewInt(100)))

		require.NoError(t, l.Transfer("DVT", alice, bob, uint256.NewInt(40)))

		assert.Equal(t, uint64(60), l.BalanceOf("DVT", alice).Uint64())
		assert.Equal(t, uint64(40), l.BalanceOf("DVT", bob).Uint64())
	})

	t.Run("insufficient balance leaves both sides untouched", func(t *testing.T) {
		l := NewMemoryLedger(testAssets)
		require.NoError(t, l.Mint("ETH", alice, uint256.NewInt(5)))

		err := l.Transfer("ETH", alice, bob, uint256.NewInt(6))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, uint64(5), l.BalanceOf("ETH", alice).Uint64())
		assert.True(t, l.BalanceOf("ETH", bob).IsZero())
	})

	t.Run("unknown asset", func(t *testing.T) {
		l := NewMemoryLedger(testAssets)
		err := l.Transfer("USDC", alice, bob, uint256.NewInt(1))
		assert.ErrorIs(t, err, ErrUnknownAsset)
		assert.ErrorIs(t, l.Mint("USDC", alice, uint256.NewInt(1)), ErrUnknownAsset)
	})

	t.Run("nil amount", func(t *testing.T) {
		l := NewMemoryLedger(testAssets)
		assert.ErrorIs(t, l.Transfer("DVT", alice, bob, nil), ErrNilAmount)
	})

	t.Run("zero amount is a no-op even without funds", func(t *testing.T) {
		l := NewMemoryLedger(testAssets)
		require.NoError(t, l.Transfer("DVT", alice, bob, new(uint256.Int)))
		assert.Empty(t, l.View())
	})

	t.Run("self transfer still requires funds", func(t *testing.T) {
		l := NewMemoryLedger(testAssets)
		assert.ErrorIs(t, l.Transfer("DVT", alice, alice, uint256.NewInt(1)), ErrInsufficientBalance)

		require.NoError(t, l.Mint("DVT", alice, uint256.NewInt(1)))
		require.NoError(t, l.Transfer("DVT", alice, alice, uint256.NewInt(1)))
		assert.Equal(t, uint64(1), l.BalanceOf("DVT", alice).Uint64())
	})

	t.Run("mint overflow", func(t *testing.T) {
		l := NewMemoryLedger(testAssets)
		max := new(uint256.Int).SetAllOne()
		require.NoError(t, l.Mint("DVT", alice, max))
		assert.ErrorIs(t, l.Mint("DVT", alice, uint256.NewInt(1)), ErrOverflow)
	})
}

func TestMemoryLedgerBalanceOfReturnsCopy(t *testing.T) {
	l := NewMemoryLedger(testAssets)
	require.NoError(t, l.Mint("DVT", alice, uint256.NewInt(10)))

	b := l.BalanceOf("DVT", alice)
	b.SetUint64(999)

	assert.Equal(t, uint64(10), l.BalanceOf("DVT", alice).Uint64())
}

func TestMemoryLedgerView(t *testing.T) {
	l := NewMemoryLedger(testAssets)
	require.NoError(t, l.Mint("ETH", bob, uint256.NewInt(2)))
	require.NoError(t, l.Mint("DVT", bob, uint256.NewInt(3)))
	require.NoError(t, l.Mint("DVT", alice, uint256.NewInt(1)))

	view := l.View()
	require.Len(t, view, 3)

	// Asset first (DVT before ETH), then account bytes: 0x..0b0b < 0x..0a11ce.
	assert.Equal(t, Asset("DVT"), view[0].Asset)
	assert.Equal(t, bob, view[0].Account)
	assert.Equal(t, Asset("DVT"), view[1].Asset)
	assert.Equal(t, alice, view[1].Account)
	assert.Equal(t, Asset("ETH"), view[2].Asset)

	// Draining a balance removes it from the snapshot.
	require.NoError(t, l.Transfer("ETH", bob, alice, uint256.NewInt(2)))
	view = l.View()
	require.Len(t, view, 3)
	assert.Equal(t, alice, view[2].Account)
}

func TestMemoryLedgerConcurrentTransfers(t *testing.T) {
	l := NewMemoryLedger(testAssets)
	require.NoError(t, l.Mint("DVT", alice, uint256.NewInt(1000)))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Transfer("DVT", alice, bob, uint256.NewInt(10))
		}()
	}
	wg.Wait()

	assert.True(t, l.BalanceOf("DVT", alice).IsZero())
	assert.Equal(t, uint64(1000), l.BalanceOf("DVT", bob).Uint64())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry([]AssetInfo{
		{ID: "DVT", Decimals: 18},
		{ID: "USDC", Decimals: 6},
		{ID: "DVT", Name: "replaced", Decimals: 18},
	})

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "replaced", all[0].Name)

	info, ok := r.Get("USDC")
	require.True(t, ok)
	assert.Equal(t, uint8(6), info.Decimals)

	_, ok = r.Get("WBTC")
	assert.False(t, ok)

	all[0].Name = "mutated"
	info, _ = r.Get("DVT")
	assert.Equal(t, "replaced", info.Name, "All must return a defensive copy")
}

func TestBalancesDiffer(t *testing.T) {
	old := []Balance{
		{Asset: "DVT", Account: alice, Amount: uint256.NewInt(10)},
		{Asset: "DVT", Account: bob, Amount: uint256.NewInt(5)},
		{Asset: "ETH", Account: alice, Amount: uint256.NewInt(1)},
	}
	new := []Balance{
		{Asset: "DVT", Account: alice, Amount: uint256.NewInt(10)},
		{Asset: "DVT", Account: bob, Amount: uint256.NewInt(7)},
		{Asset: "ETH", Account: bob, Amount: uint256.NewInt(1)},
	}

	diff := Differ(old, new)
	require.False(t, diff.IsEmpty())
	require.Len(t, diff.Updates, 1)
	assert.Equal(t, uint64(7), diff.Updates[0].Amount.Uint64())
	require.Len(t, diff.Additions, 1)
	assert.Equal(t, bob, diff.Additions[0].Account)
	require.Len(t, diff.Deletions, 1)
	assert.Equal(t, BalanceKey{Asset: "ETH", Account: alice}, diff.Deletions[0])

	assert.True(t, Differ(old, old).IsEmpty())
}

func TestBalancesPatcher(t *testing.T) {
	l := NewMemoryLedger(testAssets)
	require.NoError(t, l.Mint("DVT", alice, uint256.NewInt(10)))
	require.NoError(t, l.Mint("ETH", bob, uint256.NewInt(3)))
	old := l.View()

	require.NoError(t, l.Transfer("ETH", bob, alice, uint256.NewInt(3)))
	require.NoError(t, l.Transfer("DVT", alice, bob, uint256.NewInt(4)))
	next := l.View()

	patched, err := Patcher(old, Differ(old, next))
	require.NoError(t, err)
	assert.Equal(t, next, patched)
	assert.Equal(t, uint64(10), old[0].Amount.Uint64(), "prev is not mutated")

	_, err = Patcher(old, BalancesDiff{Additions: []Balance{{Asset: "DVT", Account: bob}}})
	assert.Error(t, err)
}
