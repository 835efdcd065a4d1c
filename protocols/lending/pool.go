// Package lending implements an overcollateralized lending pool. Borrowers lock
// currency to borrow the pool's token; the collateral required is derived from a
// PriceOracle, by default the spot price of a uniswapv1 exchange.
package lending

import (
	"errors"
	"fmt"
	"sync"

	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultDepositFactor is the collateral multiple required over the borrowed value.
const DefaultDepositFactor = 2

var (
	// ErrInvalidAmount is returned for zero or nil amounts and for repaying more than is owed.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientPoolLiquidity is returned when the pool holds fewer tokens than requested.
	ErrInsufficientPoolLiquidity = errors.New("not enough tokens in pool")
	// ErrInsufficientCollateral is returned when attached or remaining collateral is below the requirement.
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	// ErrNoPosition is returned when the borrower has nothing outstanding.
	ErrNoPosition = errors.New("no open position")
	// ErrPositionHealthy is returned when liquidating a position that is still sufficiently collateralized.
	ErrPositionHealthy = errors.New("position is not undercollateralized")
	// ErrInvalidCaller is returned when the pool's own account borrows, repays or liquidates.
	ErrInvalidCaller = errors.New("pool cannot act on its own account")
	// ErrOverflow is returned when a requirement or position would not fit in 256 bits.
	ErrOverflow = errors.New("arithmetic overflow")

	// priceScale is the fixed-point scale of oracle prices. It MUST NOT be modified.
	priceScale = uint256.NewInt(1_000_000_000_000_000_000)
)

const (
	opBorrow    = "borrow"
	opRepay     = "repay"
	opLiquidate = "liquidate"
	opQuote     = "calculate_deposit_required"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PriceOracle quotes the price of one unit of base in the pool's currency,
// scaled by 10^18.
type PriceOracle interface {
	Price(base ledger.Asset) (*uint256.Int, error)
}

// Ledger is what the pool needs from the balance store: transfers, plus reads of
// its own custody.
type Ledger interface {
	ledger.Ledger
	BalanceOf(asset ledger.Asset, account common.Address) *uint256.Int
}

// Position is a borrower's outstanding loan.
type Position struct {
	Borrower            common.Address `json:"borrower"`
	CollateralDeposited *uint256.Int   `json:"collateralDeposited"`
	TokensBorrowed      *uint256.Int   `json:"tokensBorrowed"`
}

func (p Position) clone() Position {
	return Position{
		Borrower:            p.Borrower,
		CollateralDeposited: p.CollateralDeposited.Clone(),
		TokensBorrowed:      p.TokensBorrowed.Clone(),
	}
}

// Config holds the parameters and collaborators of a Pool.
type Config struct {
	// Address is the pool's own ledger account. Its token balance is the lendable
	// reserve and its currency balance is the escrowed collateral.
	Address  common.Address
	Token    ledger.Asset
	Currency ledger.Asset
	// DepositFactor defaults to DefaultDepositFactor when zero.
	DepositFactor uint64
	Oracle        PriceOracle
	Ledger        Ledger
	Logger        Logger
	Registry      prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Oracle == nil {
		return errors.New("config: Oracle cannot be nil")
	}
	if c.Ledger == nil {
		return errors.New("config: Ledger cannot be nil")
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
	return nil
}

// Pool lends its token against currency collateral. Collateral is checked when a
// position is opened or grown and never re-evaluated afterwards, so a position's
// health is only as good as the oracle quote at borrow time.
type Pool struct {
	mu sync.Mutex

	address       common.Address
	token         ledger.Asset
	currency      ledger.Asset
	depositFactor *uint256.Int
	positions     map[common.Address]*Position

	oracle  PriceOracle
	ledger  Ledger
	logger  Logger
	metrics *Metrics
}

// NewPool creates a lending pool. It holds no tokens until some are transferred to
// its address.
func NewPool(cfg *Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	factor := cfg.DepositFactor
	if factor == 0 {
		factor = DefaultDepositFactor
	}
	return &Pool{
		address:       cfg.Address,
		token:         cfg.Token,
		currency:      cfg.Currency,
		depositFactor: uint256.NewInt(factor),
		positions:     make(map[common.Address]*Position),
		oracle:        cfg.Oracle,
		ledger:        cfg.Ledger,
		logger:        cfg.Logger,
		metrics:       NewMetrics(cfg.Registry),
	}, nil
}

// Address returns the pool's ledger account.
func (p *Pool) Address() common.Address { return p.address }

// CalculateDepositRequired returns the collateral needed to borrow tokenAmount at
// the oracle's current price:
//
//	ceil(tokenAmount * price * depositFactor / 1e18)
func (p *Pool) CalculateDepositRequired(tokenAmount *uint256.Int) (*uint256.Int, error) {
	if tokenAmount == nil {
		return nil, fmt.Errorf("%w: nil amount", ErrInvalidAmount)
	}
	deposit, _, err := p.depositRequired(tokenAmount)
	if err != nil {
		p.metrics.fail(opQuote, err)
		return nil, err
	}
	return deposit, nil
}

// depositRequired reads the oracle exactly once and returns the requirement along
// with the price it was computed from.
func (p *Pool) depositRequired(tokenAmount *uint256.Int) (deposit, price *uint256.Int, err error) {
	price, err = p.oracle.Price(p.token)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle price for %s: %w", p.token, err)
	}
	p.metrics.oraclePrice.Set(toFloat(price))

	scaled, overflow := new(uint256.Int).MulOverflow(price, p.depositFactor)
	if overflow {
		return nil, nil, fmt.Errorf("%w: price %s * deposit factor", ErrOverflow, price.Dec())
	}
	deposit, overflow = new(uint256.Int).MulDivOverflow(tokenAmount, scaled, priceScale)
	if overflow {
		return nil, nil, fmt.Errorf("%w: deposit for %s %s", ErrOverflow, tokenAmount.Dec(), p.token)
	}
	if !new(uint256.Int).MulMod(tokenAmount, scaled, priceScale).IsZero() {
		if _, overflow := deposit.AddOverflow(deposit, uint256.NewInt(1)); overflow {
			return nil, nil, fmt.Errorf("%w: deposit for %s %s", ErrOverflow, tokenAmount.Dec(), p.token)
		}
	}
	return deposit, price, nil
}

// Borrow lends tokenAmount to borrower. attachedCollateral is the most currency
// the borrower is willing to lock; only the required deposit is taken. A second
// borrow adds to the existing position.
func (p *Pool) Borrow(borrower common.Address, tokenAmount, attachedCollateral *uint256.Int) (*uint256.Int, error) {
	timer := prometheus.NewTimer(p.metrics.opDuration.WithLabelValues(opBorrow))
	defer timer.ObserveDuration()

	p.mu.Lock()
	defer p.mu.Unlock()

	deposit, err := p.borrow(borrower, tokenAmount, attachedCollateral)
	if err != nil {
		p.metrics.fail(opBorrow, err)
		p.logger.Debug("Borrow rejected", "borrower", borrower.Hex(), "amount", dec(tokenAmount), "collateral", dec(attachedCollateral), "error", err)
		return nil, err
	}
	return deposit, nil
}

func (p *Pool) borrow(borrower common.Address, tokenAmount, attachedCollateral *uint256.Int) (*uint256.Int, error) {
	if err := p.checkCaller(borrower); err != nil {
		return nil, err
	}
	if tokenAmount == nil || tokenAmount.IsZero() {
		return nil, fmt.Errorf("%w: borrow amount must be positive", ErrInvalidAmount)
	}
	if reserve := p.ledger.BalanceOf(p.token, p.address); reserve.Lt(tokenAmount) {
		return nil, fmt.Errorf("%w: holds %s %s, asked for %s", ErrInsufficientPoolLiquidity, reserve.Dec(), p.token, tokenAmount.Dec())
	}
	deposit, price, err := p.depositRequired(tokenAmount)
	if err != nil {
		return nil, err
	}
	if attachedCollateral == nil || attachedCollateral.Lt(deposit) {
		return nil, fmt.Errorf("%w: borrowing %s %s needs %s %s, attached %s", ErrInsufficientCollateral, tokenAmount.Dec(), p.token, deposit.Dec(), p.currency, dec(attachedCollateral))
	}

	next := Position{Borrower: borrower, CollateralDeposited: deposit.Clone(), TokensBorrowed: tokenAmount.Clone()}
	if existing, ok := p.positions[borrower]; ok {
		var overflow bool
		if _, overflow = next.CollateralDeposited.AddOverflow(next.CollateralDeposited, existing.CollateralDeposited); overflow {
			return nil, fmt.Errorf("%w: collateral of %s", ErrOverflow, borrower.Hex())
		}
		if _, overflow = next.TokensBorrowed.AddOverflow(next.TokensBorrowed, existing.TokensBorrowed); overflow {
			return nil, fmt.Errorf("%w: debt of %s", ErrOverflow, borrower.Hex())
		}
	}

	if err := ledger.Settle(p.ledger,
		ledger.Movement{Asset: p.currency, From: borrower, To: p.address, Amount: deposit},
		ledger.Movement{Asset: p.token, From: p.address, To: borrower, Amount: tokenAmount},
	); err != nil {
		return nil, err
	}
	p.positions[borrower] = &next

	p.metrics.borrows.Inc()
	p.metrics.observe(p.ledger, p.token, p.currency, p.address, len(p.positions))
	p.logger.Info("Borrowed",
		"borrower", borrower.Hex(),
		"amount", tokenAmount.Dec(),
		"deposit", deposit.Dec(),
		"price", price.Dec(),
	)
	return deposit, nil
}

// Repay returns tokenAmount of the borrower's debt. Full repayment releases all
// collateral and closes the position. Partial repayment releases collateral pro
// rata, but only if what stays locked still covers the rest of the debt at the
// current price.
func (p *Pool) Repay(borrower common.Address, tokenAmount *uint256.Int) (*uint256.Int, error) {
	timer := prometheus.NewTimer(p.metrics.opDuration.WithLabelValues(opRepay))
	defer timer.ObserveDuration()

	p.mu.Lock()
	defer p.mu.Unlock()

	released, err := p.repay(borrower, tokenAmount)
	if err != nil {
		p.metrics.fail(opRepay, err)
		p.logger.Debug("Repay rejected", "borrower", borrower.Hex(), "amount", dec(tokenAmount), "error", err)
		return nil, err
	}
	return released, nil
}

func (p *Pool) repay(borrower common.Address, tokenAmount *uint256.Int) (*uint256.Int, error) {
	if err := p.checkCaller(borrower); err != nil {
		return nil, err
	}
	pos, ok := p.positions[borrower]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, borrower.Hex())
	}
	if tokenAmount == nil || tokenAmount.IsZero() || pos.TokensBorrowed.Lt(tokenAmount) {
		return nil, fmt.Errorf("%w: repaying %s of %s", ErrInvalidAmount, dec(tokenAmount), pos.TokensBorrowed.Dec())
	}

	full := tokenAmount.Eq(pos.TokensBorrowed)
	released := pos.CollateralDeposited.Clone()
	if !full {
		// tokenAmount < TokensBorrowed, so the quotient is below the collateral.
		released, _ = new(uint256.Int).MulDivOverflow(pos.CollateralDeposited, tokenAmount, pos.TokensBorrowed)
		remainingDebt := new(uint256.Int).Sub(pos.TokensBorrowed, tokenAmount)
		remainingCollateral := new(uint256.Int).Sub(pos.CollateralDeposited, released)
		required, _, err := p.depositRequired(remainingDebt)
		if err != nil {
			return nil, err
		}
		if remainingCollateral.Lt(required) {
			return nil, fmt.Errorf("%w: %s left locked, %s required for the remaining %s %s", ErrInsufficientCollateral, remainingCollateral.Dec(), required.Dec(), remainingDebt.Dec(), p.token)
		}
	}

	if err := ledger.Settle(p.ledger,
		ledger.Movement{Asset: p.token, From: borrower, To: p.address, Amount: tokenAmount},
		ledger.Movement{Asset: p.currency, From: p.address, To: borrower, Amount: released},
	); err != nil {
		return nil, err
	}
	if full {
		delete(p.positions, borrower)
	} else {
		pos.TokensBorrowed.Sub(pos.TokensBorrowed, tokenAmount)
		pos.CollateralDeposited.Sub(pos.CollateralDeposited, released)
	}

	p.metrics.repays.Inc()
	p.metrics.observe(p.ledger, p.token, p.currency, p.address, len(p.positions))
	p.logger.Info("Repaid",
		"borrower", borrower.Hex(),
		"amount", tokenAmount.Dec(),
		"released", released.Dec(),
		"closed", full,
	)
	return released, nil
}

// Liquidate closes an undercollateralized position. The liquidator repays the
// whole debt and receives all of the borrower's collateral.
func (p *Pool) Liquidate(liquidator, borrower common.Address) (*uint256.Int, error) {
	timer := prometheus.NewTimer(p.metrics.opDuration.WithLabelValues(opLiquidate))
	defer timer.ObserveDuration()

	p.mu.Lock()
	defer p.mu.Unlock()

	seized, err := p.liquidate(liquidator, borrower)
	if err != nil {
		p.metrics.fail(opLiquidate, err)
		p.logger.Debug("Liquidation rejected", "liquidator", liquidator.Hex(), "borrower", borrower.Hex(), "error", err)
		return nil, err
	}
	return seized, nil
}

func (p *Pool) liquidate(liquidator, borrower common.Address) (*uint256.Int, error) {
	if err := p.checkCaller(liquidator); err != nil {
		return nil, err
	}
	if err := p.checkCaller(borrower); err != nil {
		return nil, err
	}
	pos, ok := p.positions[borrower]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, borrower.Hex())
	}
	required, price, err := p.depositRequired(pos.TokensBorrowed)
	if err != nil {
		return nil, err
	}
	if !pos.CollateralDeposited.Lt(required) {
		return nil, fmt.Errorf("%w: %s locked, %s required at price %s", ErrPositionHealthy, pos.CollateralDeposited.Dec(), required.Dec(), price.Dec())
	}

	seized := pos.CollateralDeposited.Clone()
	if err := ledger.Settle(p.ledger,
		ledger.Movement{Asset: p.token, From: liquidator, To: p.address, Amount: pos.TokensBorrowed},
		ledger.Movement{Asset: p.currency, From: p.address, To: liquidator, Amount: seized},
	); err != nil {
		return nil, err
	}
	delete(p.positions, borrower)

	p.metrics.liquidations.Inc()
	p.metrics.observe(p.ledger, p.token, p.currency, p.address, len(p.positions))
	p.logger.Warn("Position liquidated",
		"liquidator", liquidator.Hex(),
		"borrower", borrower.Hex(),
		"debt", pos.TokensBorrowed.Dec(),
		"seized", seized.Dec(),
		"required", required.Dec(),
	)
	return seized, nil
}

func (p *Pool) checkCaller(account common.Address) error {
	if account == p.address {
		return fmt.Errorf("%w: %s", ErrInvalidCaller, account.Hex())
	}
	return nil
}

// Position returns a copy of the borrower's position.
func (p *Pool) Position(borrower common.Address) (Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[borrower]
	if !ok {
		return Position{}, false
	}
	return pos.clone(), true
}

// TokenReserve returns the tokens currently available to borrow.
func (p *Pool) TokenReserve() *uint256.Int {
	return p.ledger.BalanceOf(p.token, p.address)
}

// View returns a deep-copied snapshot of the pool.
func (p *Pool) View() PoolView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolView{
		Address:        p.address,
		Token:          p.token,
		Currency:       p.currency,
		DepositFactor:  p.depositFactor.Uint64(),
		TokenReserve:   p.ledger.BalanceOf(p.token, p.address),
		CollateralHeld: p.ledger.BalanceOf(p.currency, p.address),
		Positions:      sortedPositions(p.positions),
	}
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "<nil>"
	}
	return x.Dec()
}
