package uniswapv1

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// --- Diff Structures with Helper Methods ---

// PoolDiff describes how an exchange snapshot changed. Nil fields are unchanged.
type PoolDiff struct {
	Reserves       *ReservePair     `json:"reserves,omitempty"`
	TotalLiquidity *uint256.Int     `json:"totalLiquidity,omitempty"`
	ShareUpdates   []LiquidityShare `json:"shareUpdates,omitempty"`
	ShareDeletions []common.Address `json:"shareDeletions,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d PoolDiff) IsEmpty() bool {
	return d.Reserves == nil && d.TotalLiquidity == nil && len(d.ShareUpdates) == 0 && len(d.ShareDeletions) == 0
}

// Differ calculates the difference between two snapshots of the same exchange.
// Shares that appear or change are updates; shares that disappear are deletions.
func Differ(old, new Pool) PoolDiff {
	var diff PoolDiff

	if !old.Reserves.Equal(new.Reserves) {
		r := new.Reserves.Clone()
		diff.Reserves = &r
	}
	if !old.TotalLiquidity.Eq(new.TotalLiquidity) {
		diff.TotalLiquidity = new.TotalLiquidity.Clone()
	}

	oldShares := make(map[common.Address]*uint256.Int, len(old.Shares))
	for _, s := range old.Shares {
		oldShares[s.Provider] = s.Amount
	}
	seen := make(map[common.Address]struct{}, len(new.Shares))
	for _, s := range new.Shares {
		seen[s.Provider] = struct{}{}
		if prev, ok := oldShares[s.Provider]; !ok || !prev.Eq(s.Amount) {
			diff.ShareUpdates = append(diff.ShareUpdates, LiquidityShare{Provider: s.Provider, Amount: s.Amount.Clone()})
		}
	}
	for _, s := range old.Shares {
		if _, ok := seen[s.Provider]; !ok {
			diff.ShareDeletions = append(diff.ShareDeletions, s.Provider)
		}
	}
	return diff
}

// Patcher builds a new snapshot by applying diff to prev. prev is not modified.
func Patcher(prev Pool, diff PoolDiff) (Pool, error) {
	next := deepCopyPool(prev)
	if diff.Reserves != nil {
		if diff.Reserves.Token == nil || diff.Reserves.Currency == nil {
			return Pool{}, errors.New("uniswapv1 patcher: diff carries a partial reserve pair")
		}
		next.Reserves = diff.Reserves.Clone()
	}
	if diff.TotalLiquidity != nil {
		next.TotalLiquidity = diff.TotalLiquidity.Clone()
	}
	if len(diff.ShareUpdates) == 0 && len(diff.ShareDeletions) == 0 {
		return next, nil
	}

	shares := make(map[common.Address]*uint256.Int, len(next.Shares))
	for _, s := range next.Shares {
		shares[s.Provider] = s.Amount
	}
	for _, provider := range diff.ShareDeletions {
		delete(shares, provider)
	}
	for _, s := range diff.ShareUpdates {
		if s.Amount == nil {
			return Pool{}, errors.New("uniswapv1 patcher: share update without amount")
		}
		shares[s.Provider] = s.Amount
	}
	next.Shares = sortedShares(shares)
	return next, nil
}
