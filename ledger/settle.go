package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Movement is a single leg of a multi-transfer settlement.
type Movement struct {
	Asset  Asset
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// Settle applies movements in order. If a leg fails, every leg already applied is
// reversed (newest first) so the ledger ends where it started. Reversal failures
// are joined onto the returned error.
func Settle(l Ledger, movements ...Movement) error {
	for i, m := range movements {
		err := l.Transfer(m.Asset, m.From, m.To, m.Amount)
		if err == nil {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			done := movements[j]
			if rerr := l.Transfer(done.Asset, done.To, done.From, done.Amount); rerr != nil {
				err = errors.Join(err, fmt.Errorf("reversing %s %s from %s: %w", done.Amount.Dec(), done.Asset, done.To.Hex(), rerr))
			}
		}
		return err
	}
	return nil
}
