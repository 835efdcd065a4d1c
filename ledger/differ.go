package ledger

import (
	"fmt"

	"github.com/defistate/defistate-lending-go/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Schema is the decode contract for a []Balance snapshot and its BalancesDiff.
const Schema engine.ProtocolSchema = "defistate/ledger/balances@v1"

// BalanceKey identifies a balance entry without its amount.
type BalanceKey struct {
	Asset   Asset          `json:"asset"`
	Account common.Address `json:"account"`
}

// BalancesDiff lists the balance entries that changed between two snapshots.
type BalancesDiff struct {
	Additions []Balance    `json:"additions,omitempty"`
	Updates   []Balance    `json:"updates,omitempty"`
	Deletions []BalanceKey `json:"deletions,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d BalancesDiff) IsEmpty() bool {
	return len(d.Additions) == 0 && len(d.Updates) == 0 && len(d.Deletions) == 0
}

// Differ calculates the difference between two balance snapshots.
// Entries present only in new are additions, entries whose amount changed are
// updates, and entries present only in old are deletions (balance went to zero).
func Differ(old, new []Balance) BalancesDiff {
	oldMap := make(map[BalanceKey]Balance, len(old))
	for _, b := range old {
		oldMap[BalanceKey{Asset: b.Asset, Account: b.Account}] = b
	}

	var diff BalancesDiff
	seen := make(map[BalanceKey]struct{}, len(new))
	for _, b := range new {
		key := BalanceKey{Asset: b.Asset, Account: b.Account}
		seen[key] = struct{}{}

		prev, exists := oldMap[key]
		if !exists {
			diff.Additions = append(diff.Additions, b)
			continue
		}
		if prev.Amount.Cmp(b.Amount) != 0 {
			diff.Updates = append(diff.Updates, b)
		}
	}

	// Walk old in order so deletions come out deterministically.
	for _, b := range old {
		key := BalanceKey{Asset: b.Asset, Account: b.Account}
		if _, exists := seen[key]; !exists {
			diff.Deletions = append(diff.Deletions, key)
		}
	}

	return diff
}

// Patcher builds a new snapshot by applying diff to prev. prev is not modified.
func Patcher(prev []Balance, diff BalancesDiff) ([]Balance, error) {
	entries := make(map[BalanceKey]*uint256.Int, len(prev)+len(diff.Additions))
	for _, b := range prev {
		entries[BalanceKey{Asset: b.Asset, Account: b.Account}] = b.Amount
	}
	for _, key := range diff.Deletions {
		delete(entries, key)
	}
	for _, b := range append(append([]Balance{}, diff.Updates...), diff.Additions...) {
		if b.Amount == nil {
			return nil, fmt.Errorf("ledger patcher: %s balance of %s has no amount", b.Asset, b.Account.Hex())
		}
		entries[BalanceKey{Asset: b.Asset, Account: b.Account}] = b.Amount
	}

	next := make([]Balance, 0, len(entries))
	for key, amount := range entries {
		next = append(next, Balance{Asset: key.Asset, Account: key.Account, Amount: amount.Clone()})
	}
	sortBalances(next)
	return next, nil
}
