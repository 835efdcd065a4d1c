package lending

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PoolDiff describes how a lending pool snapshot changed. Nil reserve fields are unchanged.
type PoolDiff struct {
	TokenReserve   *uint256.Int     `json:"tokenReserve,omitempty"`
	CollateralHeld *uint256.Int     `json:"collateralHeld,omitempty"`
	Additions      []Position       `json:"additions,omitempty"`
	Updates        []Position       `json:"updates,omitempty"`
	Deletions      []common.Address `json:"deletions,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d PoolDiff) IsEmpty() bool {
	return d.TokenReserve == nil && d.CollateralHeld == nil &&
		len(d.Additions) == 0 && len(d.Updates) == 0 && len(d.Deletions) == 0
}

// Differ calculates the difference between two snapshots of the same pool.
func Differ(old, new PoolView) PoolDiff {
	var diff PoolDiff
	if !old.TokenReserve.Eq(new.TokenReserve) {
		diff.TokenReserve = new.TokenReserve.Clone()
	}
	if !old.CollateralHeld.Eq(new.CollateralHeld) {
		diff.CollateralHeld = new.CollateralHeld.Clone()
	}

	oldPositions := make(map[common.Address]Position, len(old.Positions))
	for _, pos := range old.Positions {
		oldPositions[pos.Borrower] = pos
	}

	seen := make(map[common.Address]struct{}, len(new.Positions))
	for _, pos := range new.Positions {
		seen[pos.Borrower] = struct{}{}
		prev, exists := oldPositions[pos.Borrower]
		if !exists {
			diff.Additions = append(diff.Additions, pos.clone())
			continue
		}
		if !prev.TokensBorrowed.Eq(pos.TokensBorrowed) || !prev.CollateralDeposited.Eq(pos.CollateralDeposited) {
			diff.Updates = append(diff.Updates, pos.clone())
		}
	}
	for _, pos := range old.Positions {
		if _, ok := seen[pos.Borrower]; !ok {
			diff.Deletions = append(diff.Deletions, pos.Borrower)
		}
	}
	return diff
}

// Patcher builds a new snapshot by applying diff to prev. prev is not modified.
func Patcher(prev PoolView, diff PoolDiff) (PoolView, error) {
	next := deepCopyView(prev)
	if diff.TokenReserve != nil {
		next.TokenReserve = diff.TokenReserve.Clone()
	}
	if diff.CollateralHeld != nil {
		next.CollateralHeld = diff.CollateralHeld.Clone()
	}
	if len(diff.Additions) == 0 && len(diff.Updates) == 0 && len(diff.Deletions) == 0 {
		return next, nil
	}

	positions := make(map[common.Address]Position, len(next.Positions))
	for _, pos := range next.Positions {
		positions[pos.Borrower] = pos
	}
	for _, borrower := range diff.Deletions {
		delete(positions, borrower)
	}
	for _, pos := range append(append([]Position{}, diff.Updates...), diff.Additions...) {
		if pos.TokensBorrowed == nil || pos.CollateralDeposited == nil {
			return PoolView{}, errors.New("lending patcher: position without amounts")
		}
		positions[pos.Borrower] = pos.clone()
	}

	next.Positions = make([]Position, 0, len(positions))
	for _, pos := range positions {
		next.Positions = append(next.Positions, pos)
	}
	sortByBorrower(next.Positions)
	return next, nil
}
