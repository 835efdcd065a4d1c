// Package ledger holds per-account asset balances. The exchange and the
// lending pool only ever move value through the Ledger interface.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance is returned when the sender cannot cover a transfer.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnknownAsset is returned for assets that were never registered.
	ErrUnknownAsset = errors.New("unknown asset")
	// ErrNilAmount is returned when a nil pointer is passed for an amount.
	ErrNilAmount = errors.New("nil pointer passed as amount")
	// ErrOverflow is returned when a credit would exceed 256 bits.
	ErrOverflow = errors.New("balance overflow")
)

// Ledger is the collaborator the core uses to move assets between accounts.
// Implementations must apply a transfer fully or not at all.
type Ledger interface {
	Transfer(asset Asset, from, to common.Address, amount *uint256.Int) error
}

// Balance is a single (asset, account) entry of a ledger snapshot.
type Balance struct {
	Asset   Asset          `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

// MemoryLedger is an in-process, concurrency-safe Ledger.
type MemoryLedger struct {
	mu       sync.RWMutex
	assets   *Registry
	balances map[Asset]map[common.Address]*uint256.Int
}

// NewMemoryLedger creates an empty ledger that accepts the given assets.
func NewMemoryLedger(assets []AssetInfo) *MemoryLedger {
	registry := NewRegistry(assets)
	balances := make(map[Asset]map[common.Address]*uint256.Int, len(registry.all))
	for _, a := range registry.all {
		balances[a.ID] = make(map[common.Address]*uint256.Int)
	}
	return &MemoryLedger{
		assets:   registry,
		balances: balances,
	}
}

// Assets returns the registered asset metadata.
func (l *MemoryLedger) Assets() []AssetInfo {
	return l.assets.All()
}

// Asset looks up a single asset's metadata.
func (l *MemoryLedger) Asset(id Asset) (AssetInfo, bool) {
	return l.assets.Get(id)
}

// Mint credits amount of asset to an account out of thin air. It is how genesis
// balances enter the ledger.
func (l *MemoryLedger) Mint(asset Asset, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	accounts, ok := l.balances[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	current := balanceOf(accounts, to)
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return fmt.Errorf("%w: minting %s %s to %s", ErrOverflow, amount.Dec(), asset, to.Hex())
	}
	setBalance(accounts, to, next)
	return nil
}

// Transfer moves amount of asset from one account to another. A zero amount is a no-op.
func (l *MemoryLedger) Transfer(asset Asset, from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	accounts, ok := l.balances[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if amount.IsZero() {
		return nil
	}

	fromBalance := balanceOf(accounts, from)
	if fromBalance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBalance.Dec(), asset, amount.Dec())
	}
	if from == to {
		return nil
	}

	toBalance := balanceOf(accounts, to)
	credited, overflow := new(uint256.Int).AddOverflow(toBalance, amount)
	if overflow {
		return fmt.Errorf("%w: crediting %s %s to %s", ErrOverflow, amount.Dec(), asset, to.Hex())
	}

	setBalance(accounts, from, new(uint256.Int).Sub(fromBalance, amount))
	setBalance(accounts, to, credited)
	return nil
}

// BalanceOf returns a copy of an account's balance. Unknown assets report zero.
func (l *MemoryLedger) BalanceOf(asset Asset, account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	accounts, ok := l.balances[asset]
	if !ok {
		return new(uint256.Int)
	}
	return balanceOf(accounts, account)
}

// View returns a deterministic, deep-copied snapshot of every non-zero balance,
// ordered by asset and then by account.
func (l *MemoryLedger) View() []Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	view := []Balance{}
	for asset, accounts := range l.balances {
		for account, amount := range accounts {
			view = append(view, Balance{Asset: asset, Account: account, Amount: amount.Clone()})
		}
	}
	sortBalances(view)
	return view
}

func sortBalances(balances []Balance) {
	sort.Slice(balances, func(i, j int) bool {
		if balances[i].Asset != balances[j].Asset {
			return balances[i].Asset < balances[j].Asset
		}
		return bytes.Compare(balances[i].Account.Bytes(), balances[j].Account.Bytes()) < 0
	})
}

func balanceOf(accounts map[common.Address]*uint256.Int, account common.Address) *uint256.Int {
	if b, ok := accounts[account]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// setBalance stores amount, dropping zero entries so snapshots only hold live balances.
func setBalance(accounts map[common.Address]*uint256.Int, account common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		delete(accounts, account)
		return
	}
	accounts[account] = amount
}
