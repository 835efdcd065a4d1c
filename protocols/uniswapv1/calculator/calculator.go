package calculator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// PriceDecimals is the fixed-point precision of every price returned by SpotPrice.
const PriceDecimals = 18

var (
	// priceScale is 10^PriceDecimals. It MUST NOT be modified.
	priceScale = uint256.NewInt(1_000_000_000_000_000_000)
	one        = uint256.NewInt(1)

	// ErrNilAmount is returned when a nil pointer is passed for an amount or reserve.
	ErrNilAmount = errors.New("nil pointer passed as amount")
	// ErrInvalidAmount is returned when an input/output amount is zero.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidFee is returned for a fee that is not a proper fraction.
	ErrInvalidFee = errors.New("invalid fee")
	// ErrNoLiquidity is returned when a reserve needed for pricing is empty.
	ErrNoLiquidity = errors.New("pool has no liquidity")
	// ErrInsufficientLiquidity is returned when an amountOut is requested that is greater than or equal to the available reserve.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity for swap")
	// ErrOverflow is returned when an intermediate or final value does not fit in 256 bits.
	ErrOverflow = errors.New("arithmetic overflow")
)

// Fee is the fraction of every input amount that is kept for pricing, e.g. 997/1000
// for a 0.3% fee.
type Fee struct {
	Numerator   uint64 `json:"numerator" yaml:"numerator"`
	Denominator uint64 `json:"denominator" yaml:"denominator"`
}

// DefaultFee is the 0.3% fee charged on every trade.
var DefaultFee = Fee{Numerator: 997, Denominator: 1000}

// Validate checks 0 < Numerator <= Denominator.
func (f Fee) Validate() error {
	if f.Denominator == 0 || f.Numerator == 0 || f.Numerator > f.Denominator {
		return fmt.Errorf("%w: %d/%d", ErrInvalidFee, f.Numerator, f.Denominator)
	}
	return nil
}

// Calculator holds reusable scratch values to avoid allocations during calculations.
// Instances of this struct are NOT safe for concurrent use by themselves.
// They are intended to be managed by the sync.Pool below.
type Calculator struct {
	feeNumerator   uint256.Int
	feeDenominator uint256.Int

	inputWithFee uint256.Int
	denominator  uint256.Int
	scaledOutput uint256.Int
	remaining    uint256.Int
}

var calculatorPool = sync.Pool{
	New: func() any {
		return &Calculator{}
	},
}

// GetInputPrice returns the output amount bought by selling exactly inputAmount:
//
//	output = input*feeN*outputReserve / (inputReserve*feeD + input*feeN)
func GetInputPrice(inputAmount, inputReserve, outputReserve *uint256.Int, fee Fee) (*uint256.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.getInputPrice(inputAmount, inputReserve, outputReserve, fee)
}

// GetOutputPrice returns the input amount needed to buy exactly outputAmount:
//
//	input = inputReserve*output*feeD / ((outputReserve-output)*feeN) + 1
//
// The +1 rounds in the pool's favor so repeated exact-output trades cannot drain it
// through truncation.
func GetOutputPrice(outputAmount, inputReserve, outputReserve *uint256.Int, fee Fee) (*uint256.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.getOutputPrice(outputAmount, inputReserve, outputReserve, fee)
}

func (c *Calculator) getInputPrice(inputAmount, inputReserve, outputReserve *uint256.Int, fee Fee) (*uint256.Int, error) {
	if inputAmount == nil || inputReserve == nil || outputReserve == nil {
		return nil, ErrNilAmount
	}
	if inputAmount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if err := fee.Validate(); err != nil {
		return nil, err
	}
	if inputReserve.IsZero() || outputReserve.IsZero() {
		return nil, ErrNoLiquidity
	}

	c.feeNumerator.SetUint64(fee.Numerator)
	c.feeDenominator.SetUint64(fee.Denominator)

	if _, overflow := c.inputWithFee.MulOverflow(inputAmount, &c.feeNumerator); overflow {
		return nil, fmt.Errorf("%w: input %s * fee", ErrOverflow, inputAmount.Dec())
	}
	if _, overflow := c.denominator.MulOverflow(inputReserve, &c.feeDenominator); overflow {
		return nil, fmt.Errorf("%w: input reserve %s * fee denominator", ErrOverflow, inputReserve.Dec())
	}
	if _, overflow := c.denominator.AddOverflow(&c.denominator, &c.inputWithFee); overflow {
		return nil, fmt.Errorf("%w: price denominator", ErrOverflow)
	}

	// MulDivOverflow keeps the 512-bit intermediate product, so only the quotient must fit.
	output, overflow := new(uint256.Int).MulDivOverflow(&c.inputWithFee, outputReserve, &c.denominator)
	if overflow {
		return nil, fmt.Errorf("%w: output amount", ErrOverflow)
	}
	return output, nil
}

func (c *Calculator) getOutputPrice(outputAmount, inputReserve, outputReserve *uint256.Int, fee Fee) (*uint256.Int, error) {
	if outputAmount == nil || inputReserve == nil || outputReserve == nil {
		return nil, ErrNilAmount
	}
	if outputAmount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if err := fee.Validate(); err != nil {
		return nil, err
	}
	if inputReserve.IsZero() || outputReserve.IsZero() {
		return nil, ErrNoLiquidity
	}
	if !outputAmount.Lt(outputReserve) {
		return nil, fmt.Errorf("%w: requested output (%s) is >= output reserve (%s)", ErrInsufficientLiquidity, outputAmount.Dec(), outputReserve.Dec())
	}

	c.feeNumerator.SetUint64(fee.Numerator)
	c.feeDenominator.SetUint64(fee.Denominator)

	if _, overflow := c.scaledOutput.MulOverflow(outputAmount, &c.feeDenominator); overflow {
		return nil, fmt.Errorf("%w: output %s * fee denominator", ErrOverflow, outputAmount.Dec())
	}
	c.remaining.Sub(outputReserve, outputAmount)
	if _, overflow := c.denominator.MulOverflow(&c.remaining, &c.feeNumerator); overflow {
		return nil, fmt.Errorf("%w: price denominator", ErrOverflow)
	}

	input, overflow := new(uint256.Int).MulDivOverflow(inputReserve, &c.scaledOutput, &c.denominator)
	if overflow {
		return nil, fmt.Errorf("%w: input amount", ErrOverflow)
	}
	if _, overflow := input.AddOverflow(input, one); overflow {
		return nil, fmt.Errorf("%w: input amount", ErrOverflow)
	}
	return input, nil
}

// SpotPrice returns the instantaneous price of one unit of the base asset expressed
// in the quote asset, scaled by 10^PriceDecimals:
//
//	price = quoteReserve * 1e18 / baseReserve
//
// No fee is applied and nothing is averaged; any trade moves it immediately.
func SpotPrice(baseReserve, quoteReserve *uint256.Int) (*uint256.Int, error) {
	if baseReserve == nil || quoteReserve == nil {
		return nil, ErrNilAmount
	}
	if baseReserve.IsZero() || quoteReserve.IsZero() {
		return nil, ErrNoLiquidity
	}
	price, overflow := new(uint256.Int).MulDivOverflow(quoteReserve, priceScale, baseReserve)
	if overflow {
		return nil, fmt.Errorf("%w: spot price", ErrOverflow)
	}
	return price, nil
}

// PriceScale returns a fresh copy of 10^PriceDecimals.
func PriceScale() *uint256.Int {
	return priceScale.Clone()
}

// GetLiquidityDeposit prices a follow-up liquidity provision of currencyAmount
// against an existing pool:
//
//	tokens = currency*tokenReserve/currencyReserve + 1
//	minted = currency*totalLiquidity/currencyReserve
func GetLiquidityDeposit(currencyAmount, currencyReserve, tokenReserve, totalLiquidity *uint256.Int) (tokens, minted *uint256.Int, err error) {
	if currencyAmount == nil || currencyReserve == nil || tokenReserve == nil || totalLiquidity == nil {
		return nil, nil, ErrNilAmount
	}
	if currencyAmount.IsZero() {
		return nil, nil, ErrInvalidAmount
	}
	if currencyReserve.IsZero() || totalLiquidity.IsZero() {
		return nil, nil, ErrNoLiquidity
	}

	tokens, overflow := new(uint256.Int).MulDivOverflow(currencyAmount, tokenReserve, currencyReserve)
	if overflow {
		return nil, nil, fmt.Errorf("%w: token deposit", ErrOverflow)
	}
	if _, overflow := tokens.AddOverflow(tokens, one); overflow {
		return nil, nil, fmt.Errorf("%w: token deposit", ErrOverflow)
	}
	minted, overflow = new(uint256.Int).MulDivOverflow(currencyAmount, totalLiquidity, currencyReserve)
	if overflow {
		return nil, nil, fmt.Errorf("%w: liquidity minted", ErrOverflow)
	}
	return tokens, minted, nil
}

// GetLiquidityWithdrawal returns the currency and tokens released by burning shares:
//
//	currency = shares*currencyReserve/totalLiquidity
//	tokens   = shares*tokenReserve/totalLiquidity
func GetLiquidityWithdrawal(shares, currencyReserve, tokenReserve, totalLiquidity *uint256.Int) (currency, tokens *uint256.Int, err error) {
	if shares == nil || currencyReserve == nil || tokenReserve == nil || totalLiquidity == nil {
		return nil, nil, ErrNilAmount
	}
	if shares.IsZero() {
		return nil, nil, ErrInvalidAmount
	}
	if totalLiquidity.IsZero() {
		return nil, nil, ErrNoLiquidity
	}
	if totalLiquidity.Lt(shares) {
		return nil, nil, fmt.Errorf("%w: burning %s of %s shares", ErrInsufficientLiquidity, shares.Dec(), totalLiquidity.Dec())
	}

	// shares <= totalLiquidity, so neither quotient can exceed its reserve.
	currency, _ = new(uint256.Int).MulDivOverflow(shares, currencyReserve, totalLiquidity)
	tokens, _ = new(uint256.Int).MulDivOverflow(shares, tokenReserve, totalLiquidity)
	return currency, tokens, nil
}
