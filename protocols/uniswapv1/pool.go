package uniswapv1

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/defistate/defistate-lending-go/engine"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1/calculator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Schema is the decode contract for a Pool snapshot and its PoolDiff.
const Schema engine.ProtocolSchema = "defistate/uniswapv1/pool@v1"

// ReservePair holds the exchange's two balances. Asset A is the token and asset B
// is the currency it trades against.
type ReservePair struct {
	Token    *uint256.Int `json:"token"`
	Currency *uint256.Int `json:"currency"`
}

// NewReservePair returns an empty pair, the state of a freshly created exchange.
func NewReservePair() ReservePair {
	return ReservePair{
		Token:    new(uint256.Int),
		Currency: new(uint256.Int),
	}
}

// Clone creates a new ReservePair with its own memory.
func (r ReservePair) Clone() ReservePair {
	c := NewReservePair()
	if r.Token != nil {
		c.Token.Set(r.Token)
	}
	if r.Currency != nil {
		c.Currency.Set(r.Currency)
	}
	return c
}

// Product returns Token*Currency. The product of two 256-bit reserves needs up to
// 512 bits, so it is returned as a big.Int.
func (r ReservePair) Product() *big.Int {
	if r.Token == nil || r.Currency == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(r.Token.ToBig(), r.Currency.ToBig())
}

// IsEmpty reports whether either side has no reserve.
func (r ReservePair) IsEmpty() bool {
	return r.Token == nil || r.Currency == nil || r.Token.IsZero() || r.Currency.IsZero()
}

// Equal compares both reserves by value.
func (r ReservePair) Equal(o ReservePair) bool {
	return r.Token.Eq(o.Token) && r.Currency.Eq(o.Currency)
}

// LiquidityShare is one provider's claim on the reserves.
type LiquidityShare struct {
	Provider common.Address `json:"provider"`
	Amount   *uint256.Int   `json:"amount"`
}

// Pool is a deep-copied snapshot of an exchange.
type Pool struct {
	Address        common.Address   `json:"address"`
	Token          ledger.Asset     `json:"token"`
	Currency       ledger.Asset     `json:"currency"`
	Fee            calculator.Fee   `json:"fee"`
	Reserves       ReservePair      `json:"reserves"`
	TotalLiquidity *uint256.Int     `json:"totalLiquidity"`
	Shares         []LiquidityShare `json:"shares"`
}

// deepCopyPool creates a new Pool with its own memory for pointer types.
// This is essential to prevent a snapshot from sharing memory with live state.
func deepCopyPool(p Pool) Pool {
	newPool := p
	newPool.Reserves = p.Reserves.Clone()
	if p.TotalLiquidity != nil {
		newPool.TotalLiquidity = p.TotalLiquidity.Clone()
	}
	newPool.Shares = make([]LiquidityShare, len(p.Shares))
	for i, s := range p.Shares {
		newPool.Shares[i] = LiquidityShare{Provider: s.Provider, Amount: s.Amount.Clone()}
	}
	return newPool
}

// sortedShares flattens the share map in provider byte order.
func sortedShares(shares map[common.Address]*uint256.Int) []LiquidityShare {
	out := make([]LiquidityShare, 0, len(shares))
	for provider, amount := range shares {
		out = append(out, LiquidityShare{Provider: provider, Amount: amount.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Provider.Bytes(), out[j].Provider.Bytes()) < 0
	})
	return out
}
