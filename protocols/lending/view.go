package lending

import (
	"bytes"
	"sort"

	"github.com/defistate/defistate-lending-go/engine"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Schema is the decode contract for a PoolView snapshot and its PoolDiff.
const Schema engine.ProtocolSchema = "defistate/lending/pool@v1"

// PoolView is a deep-copied snapshot of a lending pool.
type PoolView struct {
	Address        common.Address `json:"address"`
	Token          ledger.Asset   `json:"token"`
	Currency       ledger.Asset   `json:"currency"`
	DepositFactor  uint64         `json:"depositFactor"`
	TokenReserve   *uint256.Int   `json:"tokenReserve"`
	CollateralHeld *uint256.Int   `json:"collateralHeld"`
	Positions      []Position     `json:"positions"`
}

func deepCopyView(v PoolView) PoolView {
	newView := v
	if v.TokenReserve != nil {
		newView.TokenReserve = v.TokenReserve.Clone()
	}
	if v.CollateralHeld != nil {
		newView.CollateralHeld = v.CollateralHeld.Clone()
	}
	newView.Positions = make([]Position, len(v.Positions))
	for i, pos := range v.Positions {
		newView.Positions[i] = pos.clone()
	}
	return newView
}

func sortedPositions(positions map[common.Address]*Position) []Position {
	out := make([]Position, 0, len(positions))
	for _, pos := range positions {
		out = append(out, pos.clone())
	}
	sortByBorrower(out)
	return out
}

func sortByBorrower(positions []Position) {
	sort.Slice(positions, func(i, j int) bool {
		return bytes.Compare(positions[i].Borrower.Bytes(), positions[j].Borrower.Bytes()) < 0
	})
}
