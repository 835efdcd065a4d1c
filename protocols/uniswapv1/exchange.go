// Package uniswapv1 implements a single-pair constant-product exchange in the
// style of Uniswap v1: one token traded against one currency, a fee kept inside
// the reserves, and fungible liquidity shares for providers.
package uniswapv1

import (
	"errors"
	"fmt"
	"sync"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1/calculator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrExpired is returned when the clock has passed the caller's deadline.
	ErrExpired = errors.New("deadline expired")
	// ErrInsufficientOutput is returned when a trade or withdrawal would pay out less than the caller's minimum.
	ErrInsufficientOutput = errors.New("insufficient output amount")
	// ErrExcessiveInput is returned when a trade or deposit would take more than the caller's maximum.
	ErrExcessiveInput = errors.New("excessive input amount")
	// ErrInsufficientLiquidityMinted is returned when a deposit would mint too few shares.
	ErrInsufficientLiquidityMinted = errors.New("insufficient liquidity minted")
	// ErrInsufficientShares is returned when a provider burns more shares than it holds.
	ErrInsufficientShares = errors.New("insufficient liquidity shares")
	// ErrInvalidCaller is returned when the exchange's own account is the caller.
	ErrInvalidCaller = errors.New("exchange cannot trade with itself")
	// ErrUnknownAsset is returned for an asset that is not one side of the pair.
	ErrUnknownAsset = ledger.ErrUnknownAsset

	// Errors shared with the pricing core.
	ErrInvalidAmount         = calculator.ErrInvalidAmount
	ErrNoLiquidity           = calculator.ErrNoLiquidity
	ErrInsufficientLiquidity = calculator.ErrInsufficientLiquidity
	ErrOverflow              = calculator.ErrOverflow
)

const (
	opSwapExactInput   = "swap_exact_input"
	opSwapExactOutput  = "swap_exact_output"
	opAddLiquidity     = "add_liquidity"
	opRemoveLiquidity  = "remove_liquidity"
	opQuoteExactInput  = "quote_exact_input"
	opQuoteExactOutput = "quote_exact_output"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the parameters and collaborators of an Exchange.
type Config struct {
	// Address is the exchange's own account on the ledger. The reserves always equal
	// this account's balances of Token and Currency.
	Address  common.Address
	Token    ledger.Asset
	Currency ledger.Asset
	// Fee defaults to calculator.DefaultFee when left zero.
	Fee      calculator.Fee
	Ledger   ledger.Ledger
	Clock    clock.Clock
	Logger   Logger
	Registry prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Ledger == nil {
		return errors.New("config: Ledger cannot be nil")
	}
	if c.Clock == nil {
		return errors.New("config: Clock cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Address == (common.Address{}) {
		return errors.New("config: Address cannot be the zero address")
	}
	if c.Token == "" || c.Currency == "" {
		return errors.New("config: Token and Currency must be set")
	}
	if c.Token == c.Currency {
		return fmt.Errorf("config: Token and Currency are both %s", c.Token)
	}
	if c.Fee != (calculator.Fee{}) {
		if err := c.Fee.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Exchange is a constant-product market maker for one token/currency pair.
// Every public method is a critical section; the reserves and shares only change
// after all ledger movements of an operation have succeeded.
type Exchange struct {
	mu sync.RWMutex

	address        common.Address
	token          ledger.Asset
	currency       ledger.Asset
	fee            calculator.Fee
	reserves       ReservePair
	totalLiquidity *uint256.Int
	shares         map[common.Address]*uint256.Int

	ledger  ledger.Ledger
	clock   clock.Clock
	logger  Logger
	metrics *Metrics
}

// NewExchange creates an exchange with empty reserves.
func NewExchange(cfg *Config) (*Exchange, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fee := cfg.Fee
	if fee == (calculator.Fee{}) {
		fee = calculator.DefaultFee
	}
	return &Exchange{
		address:        cfg.Address,
		token:          cfg.Token,
		currency:       cfg.Currency,
		fee:            fee,
		reserves:       NewReservePair(),
		totalLiquidity: new(uint256.Int),
		shares:         make(map[common.Address]*uint256.Int),
		ledger:         cfg.Ledger,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		metrics:        NewMetrics(cfg.Registry),
	}, nil
}

// Address returns the exchange's ledger account.
func (e *Exchange) Address() common.Address { return e.address }

// Token returns the traded token.
func (e *Exchange) Token() ledger.Asset { return e.token }

// Currency returns the asset the token is priced in.
func (e *Exchange) Currency() ledger.Asset { return e.currency }

// Fee returns the trade fee.
func (e *Exchange) Fee() calculator.Fee { return e.fee }

// SwapExactInput sells exactly amount of input and pays the trader whatever the
// curve gives for it, provided that is at least minOutput. A nil minOutput means
// no lower bound beyond a non-zero output.
func (e *Exchange) SwapExactInput(trader common.Address, input ledger.Asset, amount, minOutput *uint256.Int, deadline uint64) (*uint256.Int, error) {
	timer := prometheus.NewTimer(e.metrics.opDuration.WithLabelValues(opSwapExactInput))
	defer timer.ObserveDuration()

	e.mu.Lock()
	defer e.mu.Unlock()

	output, err := e.swapExactInput(trader, input, amount, minOutput, deadline)
	if err != nil {
		e.metrics.fail(opSwapExactInput, err)
		e.logger.Debug("Swap rejected", "op", opSwapExactInput, "trader", trader.Hex(), "input", input, "amount", dec(amount), "error", err)
		return nil, err
	}
	return output, nil
}

func (e *Exchange) swapExactInput(trader common.Address, input ledger.Asset, amount, minOutput *uint256.Int, deadline uint64) (*uint256.Int, error) {
	if err := e.checkCaller(trader); err != nil {
		return nil, err
	}
	if err := e.checkDeadline(deadline); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: input amount must be positive", ErrInvalidAmount)
	}
	outputAsset, inputReserve, outputReserve, err := e.route(input)
	if err != nil {
		return nil, err
	}

	output, err := calculator.GetInputPrice(amount, inputReserve, outputReserve, e.fee)
	if err != nil {
		return nil, err
	}
	if output.IsZero() || (minOutput != nil && output.Lt(minOutput)) {
		return nil, fmt.Errorf("%w: selling %s %s buys %s %s, want at least %s", ErrInsufficientOutput, amount.Dec(), input, output.Dec(), outputAsset, dec(minOutput))
	}
	newInputReserve, overflow := new(uint256.Int).AddOverflow(inputReserve, amount)
	if overflow {
		return nil, fmt.Errorf("%w: %s reserve", ErrOverflow, input)
	}

	if err := ledger.Settle(e.ledger,
		ledger.Movement{Asset: input, From: trader, To: e.address, Amount: amount},
		ledger.Movement{Asset: outputAsset, From: e.address, To: trader, Amount: output},
	); err != nil {
		return nil, err
	}

	inputReserve.Set(newInputReserve)
	outputReserve.Sub(outputReserve, output)

	e.metrics.swaps.WithLabelValues("exact_input", string(input)).Inc()
	e.metrics.observeReserves(e.token, e.currency, e.reserves)
	e.logger.Info("Swap executed",
		"op", opSwapExactInput,
		"trader", trader.Hex(),
		"input", input,
		"inputAmount", amount.Dec(),
		"output", outputAsset,
		"outputAmount", output.Dec(),
	)
	return output, nil
}

// SwapExactOutput buys exactly amount of output and charges the trader the curve
// price for it, provided that is at most maxInput. Only the computed input is
// pulled from the trader. A nil maxInput means no upper bound.
func (e *Exchange) SwapExactOutput(trader common.Address, output ledger.Asset, amount, maxInput *uint256.Int, deadline uint64) (*uint256.Int, error) {
	timer := prometheus.NewTimer(e.metrics.opDuration.WithLabelValues(opSwapExactOutput))
	defer timer.ObserveDuration()

	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := e.swapExactOutput(trader, output, amount, maxInput, deadline)
	if err != nil {
		e.metrics.fail(opSwapExactOutput, err)
		e.logger.Debug("Swap rejected", "op", opSwapExactOutput, "trader", trader.Hex(), "output", output, "amount", dec(amount), "error", err)
		return nil, err
	}
	return input, nil
}

func (e *Exchange) swapExactOutput(trader common.Address, output ledger.Asset, amount, maxInput *uint256.Int, deadline uint64) (*uint256.Int, error) {
	if err := e.checkCaller(trader); err != nil {
		return nil, err
	}
	if err := e.checkDeadline(deadline); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: output amount must be positive", ErrInvalidAmount)
	}
	inputAsset, outputReserve, inputReserve, err := e.route(output)
	if err != nil {
		return nil, err
	}

	input, err := calculator.GetOutputPrice(amount, inputReserve, outputReserve, e.fee)
	if err != nil {
		return nil, err
	}
	if maxInput != nil && maxInput.Lt(input) {
		return nil, fmt.Errorf("%w: buying %s %s costs %s %s, max %s", ErrExcessiveInput, amount.Dec(), output, input.Dec(), inputAsset, maxInput.Dec())
	}
	newInputReserve, overflow := new(uint256.Int).AddOverflow(inputReserve, input)
	if overflow {
		return nil, fmt.Errorf("%w: %s reserve", ErrOverflow, inputAsset)
	}

	if err := ledger.Settle(e.ledger,
		ledger.Movement{Asset: inputAsset, From: trader, To: e.address, Amount: input},
		ledger.Movement{Asset: output, From: e.address, To: trader, Amount: amount},
	); err != nil {
		return nil, err
	}

	inputReserve.Set(newInputReserve)
	outputReserve.Sub(outputReserve, amount)

	e.metrics.swaps.WithLabelValues("exact_output", string(inputAsset)).Inc()
	e.metrics.observeReserves(e.token, e.currency, e.reserves)
	e.logger.Info("Swap executed",
		"op", opSwapExactOutput,
		"trader", trader.Hex(),
		"input", inputAsset,
		"inputAmount", input.Dec(),
		"output", output,
		"outputAmount", amount.Dec(),
	)
	return input, nil
}

// AddLiquidity deposits currencyAmount of currency and the matching amount of
// tokens, minting shares to the provider. The first provision sets the price:
// it takes exactly maxTokens and mints one share per unit of currency.
func (e *Exchange) AddLiquidity(provider common.Address, currencyAmount, maxTokens, minLiquidity *uint256.Int, deadline uint64) (*uint256.Int, error) {
	timer := prometheus.NewTimer(e.metrics.opDuration.WithLabelValues(opAddLiquidity))
	defer timer.ObserveDuration()

	e.mu.Lock()
	defer e.mu.Unlock()

	minted, err := e.addLiquidity(provider, currencyAmount, maxTokens, minLiquidity, deadline)
	if err != nil {
		e.metrics.fail(opAddLiquidity, err)
		e.logger.Debug("Liquidity deposit rejected", "provider", provider.Hex(), "currencyAmount", dec(currencyAmount), "maxTokens", dec(maxTokens), "error", err)
		return nil, err
	}
	return minted, nil
}

func (e *Exchange) addLiquidity(provider common.Address, currencyAmount, maxTokens, minLiquidity *uint256.Int, deadline uint64) (*uint256.Int, error) {
	if err := e.checkCaller(provider); err != nil {
		return nil, err
	}
	if err := e.checkDeadline(deadline); err != nil {
		return nil, err
	}
	if currencyAmount == nil || currencyAmount.IsZero() || maxTokens == nil || maxTokens.IsZero() {
		return nil, fmt.Errorf("%w: currency and token amounts must be positive", ErrInvalidAmount)
	}

	var tokens, minted *uint256.Int
	if e.totalLiquidity.IsZero() {
		tokens = maxTokens.Clone()
		minted = currencyAmount.Clone()
	} else {
		var err error
		tokens, minted, err = calculator.GetLiquidityDeposit(currencyAmount, e.reserves.Currency, e.reserves.Token, e.totalLiquidity)
		if err != nil {
			return nil, err
		}
		if maxTokens.Lt(tokens) {
			return nil, fmt.Errorf("%w: deposit needs %s %s, max %s", ErrExcessiveInput, tokens.Dec(), e.token, maxTokens.Dec())
		}
	}
	if minted.IsZero() || (minLiquidity != nil && minted.Lt(minLiquidity)) {
		return nil, fmt.Errorf("%w: minted %s, want at least %s", ErrInsufficientLiquidityMinted, minted.Dec(), dec(minLiquidity))
	}

	newCurrency, overflow := new(uint256.Int).AddOverflow(e.reserves.Currency, currencyAmount)
	if overflow {
		return nil, fmt.Errorf("%w: %s reserve", ErrOverflow, e.currency)
	}
	newToken, overflow := new(uint256.Int).AddOverflow(e.reserves.Token, tokens)
	if overflow {
		return nil, fmt.Errorf("%w: %s reserve", ErrOverflow, e.token)
	}
	newTotal, overflow := new(uint256.Int).AddOverflow(e.totalLiquidity, minted)
	if overflow {
		return nil, fmt.Errorf("%w: total liquidity", ErrOverflow)
	}

	if err := ledger.Settle(e.ledger,
		ledger.Movement{Asset: e.currency, From: provider, To: e.address, Amount: currencyAmount},
		ledger.Movement{Asset: e.token, From: provider, To: e.address, Amount: tokens},
	); err != nil {
		return nil, err
	}

	e.reserves.Currency.Set(newCurrency)
	e.reserves.Token.Set(newToken)
	e.totalLiquidity.Set(newTotal)
	held, ok := e.shares[provider]
	if !ok {
		held = new(uint256.Int)
		e.shares[provider] = held
	}
	// held <= totalLiquidity, which did not overflow.
	held.Add(held, minted)

	e.metrics.liquidity.WithLabelValues("add").Inc()
	e.metrics.observeReserves(e.token, e.currency, e.reserves)
	e.logger.Info("Liquidity added",
		"provider", provider.Hex(),
		"currencyAmount", currencyAmount.Dec(),
		"tokenAmount", tokens.Dec(),
		"minted", minted.Dec(),
	)
	return minted, nil
}

// RemoveLiquidity burns shares and pays out the provider's proportional part of
// both reserves.
func (e *Exchange) RemoveLiquidity(provider common.Address, shares, minCurrency, minTokens *uint256.Int, deadline uint64) (currency, tokens *uint256.Int, err error) {
	timer := prometheus.NewTimer(e.metrics.opDuration.WithLabelValues(opRemoveLiquidity))
	defer timer.ObserveDuration()

	e.mu.Lock()
	defer e.mu.Unlock()

	currency, tokens, err = e.removeLiquidity(provider, shares, minCurrency, minTokens, deadline)
	if err != nil {
		e.metrics.fail(opRemoveLiquidity, err)
		e.logger.Debug("Liquidity withdrawal rejected", "provider", provider.Hex(), "shares", dec(shares), "error", err)
		return nil, nil, err
	}
	return currency, tokens, nil
}

func (e *Exchange) removeLiquidity(provider common.Address, shares, minCurrency, minTokens *uint256.Int, deadline uint64) (*uint256.Int, *uint256.Int, error) {
	if err := e.checkCaller(provider); err != nil {
		return nil, nil, err
	}
	if err := e.checkDeadline(deadline); err != nil {
		return nil, nil, err
	}
	if shares == nil || shares.IsZero() {
		return nil, nil, fmt.Errorf("%w: shares must be positive", ErrInvalidAmount)
	}
	held, ok := e.shares[provider]
	if !ok || held.Lt(shares) {
		return nil, nil, fmt.Errorf("%w: %s holds %s, burning %s", ErrInsufficientShares, provider.Hex(), dec(held), shares.Dec())
	}

	currency, tokens, err := calculator.GetLiquidityWithdrawal(shares, e.reserves.Currency, e.reserves.Token, e.totalLiquidity)
	if err != nil {
		return nil, nil, err
	}
	if (minCurrency != nil && currency.Lt(minCurrency)) || (minTokens != nil && tokens.Lt(minTokens)) {
		return nil, nil, fmt.Errorf("%w: withdrawal pays %s %s and %s %s", ErrInsufficientOutput, currency.Dec(), e.currency, tokens.Dec(), e.token)
	}

	if err := ledger.Settle(e.ledger,
		ledger.Movement{Asset: e.currency, From: e.address, To: provider, Amount: currency},
		ledger.Movement{Asset: e.token, From: e.address, To: provider, Amount: tokens},
	); err != nil {
		return nil, nil, err
	}

	e.reserves.Currency.Sub(e.reserves.Currency, currency)
	e.reserves.Token.Sub(e.reserves.Token, tokens)
	e.totalLiquidity.Sub(e.totalLiquidity, shares)
	held.Sub(held, shares)
	if held.IsZero() {
		delete(e.shares, provider)
	}

	e.metrics.liquidity.WithLabelValues("remove").Inc()
	e.metrics.observeReserves(e.token, e.currency, e.reserves)
	e.logger.Info("Liquidity removed",
		"provider", provider.Hex(),
		"shares", shares.Dec(),
		"currencyAmount", currency.Dec(),
		"tokenAmount", tokens.Dec(),
	)
	return currency, tokens, nil
}

// QuoteExactInput returns what SwapExactInput would pay for amount of input right now.
func (e *Exchange) QuoteExactInput(input ledger.Asset, amount *uint256.Int) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if amount == nil {
		return nil, fmt.Errorf("%w: nil amount", ErrInvalidAmount)
	}
	_, inputReserve, outputReserve, err := e.route(input)
	if err != nil {
		return nil, err
	}
	output, err := calculator.GetInputPrice(amount, inputReserve, outputReserve, e.fee)
	if err != nil {
		e.metrics.fail(opQuoteExactInput, err)
		return nil, err
	}
	return output, nil
}

// QuoteExactOutput returns what SwapExactOutput would charge for amount of output right now.
func (e *Exchange) QuoteExactOutput(output ledger.Asset, amount *uint256.Int) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if amount == nil {
		return nil, fmt.Errorf("%w: nil amount", ErrInvalidAmount)
	}
	_, outputReserve, inputReserve, err := e.route(output)
	if err != nil {
		return nil, err
	}
	input, err := calculator.GetOutputPrice(amount, inputReserve, outputReserve, e.fee)
	if err != nil {
		e.metrics.fail(opQuoteExactOutput, err)
		return nil, err
	}
	return input, nil
}

// SpotPrice returns the instantaneous price of one unit of base in the other
// asset, scaled by calculator.PriceScale. It reflects the reserves as they are at
// this instant, so a single large trade moves it arbitrarily.
func (e *Exchange) SpotPrice(base ledger.Asset) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, baseReserve, quoteReserve, err := e.route(base)
	if err != nil {
		return nil, err
	}
	return calculator.SpotPrice(baseReserve, quoteReserve)
}

// Reserves returns a copy of the current reserves.
func (e *Exchange) Reserves() ReservePair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserves.Clone()
}

// LiquidityOf returns the shares held by provider.
func (e *Exchange) LiquidityOf(provider common.Address) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if held, ok := e.shares[provider]; ok {
		return held.Clone()
	}
	return new(uint256.Int)
}

// View returns a deep-copied snapshot of the exchange.
func (e *Exchange) View() Pool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Pool{
		Address:        e.address,
		Token:          e.token,
		Currency:       e.currency,
		Fee:            e.fee,
		Reserves:       e.reserves.Clone(),
		TotalLiquidity: e.totalLiquidity.Clone(),
		Shares:         sortedShares(e.shares),
	}
}

// Oracle returns the exchange's spot price as a price oracle.
func (e *Exchange) Oracle() SpotOracle {
	return SpotOracle{exchange: e}
}

// SpotOracle quotes prices straight from an exchange's current reserves.
type SpotOracle struct {
	exchange *Exchange
}

// Price returns the spot price of base, scaled by calculator.PriceScale.
func (o SpotOracle) Price(base ledger.Asset) (*uint256.Int, error) {
	return o.exchange.SpotPrice(base)
}

func (e *Exchange) checkCaller(caller common.Address) error {
	if caller == e.address {
		return fmt.Errorf("%w: %s", ErrInvalidCaller, caller.Hex())
	}
	return nil
}

func (e *Exchange) checkDeadline(deadline uint64) error {
	now := e.clock.Now().Unix()
	if now < 0 || uint64(now) > deadline {
		return fmt.Errorf("%w: deadline %d, now %d", ErrExpired, deadline, now)
	}
	return nil
}

// route returns the asset opposite to asset, the live reserve of asset and the
// live reserve of its counterpart. Callers must hold the lock and only write to
// the reserves once the ledger has settled.
func (e *Exchange) route(asset ledger.Asset) (other ledger.Asset, reserve, otherReserve *uint256.Int, err error) {
	switch asset {
	case e.token:
		return e.currency, e.reserves.Token, e.reserves.Currency, nil
	case e.currency:
		return e.token, e.reserves.Currency, e.reserves.Token, nil
	}
	return "", nil, nil, fmt.Errorf("%w: %s is not traded by the %s/%s exchange", ErrUnknownAsset, asset, e.token, e.currency)
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "<nil>"
	}
	return x.Dec()
}
