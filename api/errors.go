package api

import (
	"errors"

	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/oracle/twap"
	"github.com/defistate/defistate-lending-go/protocols/lending"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1/calculator"
)

// JSON-RPC error codes. Rejected operations reuse the "execution reverted" code
// of Ethereum nodes and carry the error kind as data.
const (
	codeInvalidParams = -32602
	codeRejected      = 3
	codeInternal      = -32603
)

type kind struct {
	err     error
	name    string
	invalid bool
}

var kinds = []kind{
	{uniswapv1.ErrInvalidAmount, "InvalidAmount", true},
	{lending.ErrInvalidAmount, "InvalidAmount", true},
	{ledger.ErrNilAmount, "InvalidAmount", true},
	{calculator.ErrNilAmount, "InvalidAmount", true},
	{calculator.ErrInvalidFee, "InvalidFee", true},
	{uniswapv1.ErrInvalidCaller, "InvalidCaller", true},
	{lending.ErrInvalidCaller, "InvalidCaller", true},
	{ledger.ErrUnknownAsset, "UnknownAsset", true},
	{twap.ErrUnsupportedAsset, "UnknownAsset", true},
	{uniswapv1.ErrExpired, "Expired", false},
	{uniswapv1.ErrInsufficientOutput, "InsufficientOutput", false},
	{uniswapv1.ErrExcessiveInput, "ExcessiveInput", false},
	{uniswapv1.ErrNoLiquidity, "NoLiquidity", false},
	{uniswapv1.ErrInsufficientLiquidity, "InsufficientLiquidity", false},
	{uniswapv1.ErrInsufficientLiquidityMinted, "InsufficientLiquidityMinted", false},
	{uniswapv1.ErrInsufficientShares, "InsufficientShares", false},
	{lending.ErrInsufficientPoolLiquidity, "InsufficientPoolLiquidity", false},
	{lending.ErrInsufficientCollateral, "InsufficientCollateral", false},
	{lending.ErrNoPosition, "NoPosition", false},
	{lending.ErrPositionHealthy, "PositionHealthy", false},
	{twap.ErrInsufficientHistory, "InsufficientHistory", false},
	{ledger.ErrInsufficientBalance, "InsufficientBalance", false},
	{uniswapv1.ErrOverflow, "Overflow", false},
	{lending.ErrOverflow, "Overflow", false},
	{ledger.ErrOverflow, "Overflow", false},
}

// Error is returned to RPC callers. Kind names the failure, e.g.
// "InsufficientCollateral".
type Error struct {
	code int
	Kind string
	err  error
}

func (e *Error) Error() string          { return e.err.Error() }
func (e *Error) Unwrap() error          { return e.err }
func (e *Error) ErrorCode() int         { return e.code }
func (e *Error) ErrorData() interface{} { return e.Kind }

func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			code := codeRejected
			if k.invalid {
				code = codeInvalidParams
			}
			return &Error{code: code, Kind: k.name, err: err}
		}
	}
	return &Error{code: codeInternal, Kind: "Internal", err: err}
}
