// Package system wires a ledger, a constant-product exchange and a lending pool
// priced by that exchange into one process, and journals every committed
// operation as a state diff.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/engine"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/oracle/twap"
	"github.com/defistate/defistate-lending-go/protocols/lending"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1"
	"github.com/defistate/defistate-lending-go/streams/jsonrpc/stateops"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Protocol IDs used in every snapshot.
const (
	ProtocolLedger   engine.ProtocolID = "ledger"
	ProtocolExchange engine.ProtocolID = "exchange"
	ProtocolLending  engine.ProtocolID = "lending"
)

// Operation names used in receipts, logs and metrics.
const (
	OpSwapExactInput  = "swapExactInput"
	OpSwapExactOutput = "swapExactOutput"
	OpAddLiquidity    = "addLiquidity"
	OpRemoveLiquidity = "removeLiquidity"
	OpBorrow          = "borrow"
	OpRepay           = "repay"
	OpLiquidate       = "liquidate"
)

// System owns one instance of each component. Mutating operations are serialized
// so that each journal entry is the exact difference between two snapshots.
type System struct {
	mu sync.Mutex

	ledger   *ledger.MemoryLedger
	exchange *uniswapv1.Exchange
	pool     *lending.Pool
	twap     *twap.Oracle
	ops      *stateops.StateOps

	twapInterval time.Duration
	clock        clock.Clock
	logger       Logger
	metrics      *Metrics

	state       *engine.State
	journal     []Entry
	journalSize int

	subscribers map[uint64]chan Event
	nextSubID   uint64
}

// New builds every component, mints the genesis balances and seeds the exchange.
// The resulting snapshot has sequence 0.
func New(cfg *Config) (*System, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	l := ledger.NewMemoryLedger(cfg.Assets)
	for _, b := range cfg.Genesis {
		if err := l.Mint(b.Asset, b.Account, b.Amount); err != nil {
			return nil, fmt.Errorf("minting genesis %s for %s: %w", b.Asset, b.Account.Hex(), err)
		}
	}

	exchange, err := uniswapv1.NewExchange(&uniswapv1.Config{
		Address:  cfg.ExchangeAddress,
		Token:    cfg.Token,
		Currency: cfg.Currency,
		Fee:      cfg.Fee,
		Ledger:   l,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		Registry: cfg.Registry,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exchange: %w", err)
	}

	if il := cfg.InitialLiquidity; il != nil {
		deadline := uint64(cfg.Clock.Now().Unix())
		if _, err := exchange.AddLiquidity(il.Provider, il.Currency, il.Tokens, nil, deadline); err != nil {
			return nil, fmt.Errorf("seeding exchange liquidity: %w", err)
		}
	}

	s := &System{
		ledger:       l,
		exchange:     exchange,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      NewMetrics(cfg.Registry),
		journalSize:  cfg.JournalSize,
		subscribers:  make(map[uint64]chan Event),
		twapInterval: cfg.Oracle.Interval,
	}
	if s.journalSize == 0 {
		s.journalSize = defaultJournalSize
	}

	var oracle lending.PriceOracle = exchange.Oracle()
	if cfg.Oracle.Kind == OracleTWAP {
		s.twap, err = twap.New(&twap.Config{
			Source:          exchange,
			Base:            cfg.Token,
			Window:          cfg.Oracle.Window,
			Clock:           cfg.Clock,
			Logger:          cfg.Logger,
			MaxObservations: cfg.Oracle.MaxObservations,
		})
		if err != nil {
			return nil, fmt.Errorf("creating twap oracle: %w", err)
		}
		if s.twapInterval == 0 {
			s.twapInterval = defaultTWAPInterval
		}
		if !exchange.Reserves().IsEmpty() {
			if err := s.twap.Observe(); err != nil {
				return nil, fmt.Errorf("seeding twap oracle: %w", err)
			}
		}
		oracle = s.twap
	}

	s.pool, err = lending.NewPool(&lending.Config{
		Address:       cfg.PoolAddress,
		Token:         cfg.Token,
		Currency:      cfg.Currency,
		DepositFactor: cfg.DepositFactor,
		Oracle:        oracle,
		Ledger:        l,
		Logger:        cfg.Logger,
		Registry:      cfg.Registry,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lending pool: %w", err)
	}

	s.ops, err = stateops.NewStateOps(cfg.Logger, cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("creating state ops: %w", err)
	}

	s.state = s.snapshot(0)
	s.metrics.sequence.Set(0)
	s.logger.Info("System initialized",
		"token", cfg.Token,
		"currency", cfg.Currency,
		"exchange", cfg.ExchangeAddress.Hex(),
		"pool", cfg.PoolAddress.Hex(),
		"oracle", oracleKind(cfg.Oracle.Kind),
	)
	return s, nil
}

func oracleKind(kind string) string {
	if kind == "" {
		return OracleSpot
	}
	return kind
}

// Run drives the TWAP observer until ctx is canceled. Without a TWAP oracle it
// only waits for ctx.
func (s *System) Run(ctx context.Context) {
	if s.twap == nil {
		<-ctx.Done()
		return
	}
	s.twap.Run(ctx, s.twapInterval)
}

// ObserveOracle records a TWAP observation immediately. It is a no-op when the
// pool is priced from the spot price.
func (s *System) ObserveOracle() error {
	if s.twap == nil {
		return nil
	}
	return s.twap.Observe()
}

func (s *System) snapshot(sequence uint64) *engine.State {
	return &engine.State{
		Sequence:  sequence,
		Timestamp: uint64(s.clock.Now().UnixNano()),
		Protocols: map[engine.ProtocolID]engine.ProtocolState{
			ProtocolLedger: {
				Meta:   engine.ProtocolMeta{Name: "ledger", Tags: []string{"balances"}},
				Schema: ledger.Schema,
				Data:   s.ledger.View(),
			},
			ProtocolExchange: {
				Meta:   engine.ProtocolMeta{Name: "uniswap-v1", Tags: []string{"amm"}},
				Schema: uniswapv1.Schema,
				Data:   s.exchange.View(),
			},
			ProtocolLending: {
				Meta:   engine.ProtocolMeta{Name: "lending", Tags: []string{"lending"}},
				Schema: lending.Schema,
				Data:   s.pool.View(),
			},
		},
	}
}

// --- Mutating operations ---

// SwapExactInput sells amount of input on the exchange.
func (s *System) SwapExactInput(trader common.Address, input ledger.Asset, amount, minOutput *uint256.Int, deadline uint64) (*uint256.Int, Receipt, error) {
	var out *uint256.Int
	receipt, err := s.commit(OpSwapExactInput, trader, func() (map[string]*uint256.Int, error) {
		var err error
		if out, err = s.exchange.SwapExactInput(trader, input, amount, minOutput, deadline); err != nil {
			return nil, err
		}
		return map[string]*uint256.Int{"input": amount.Clone(), "output": out}, nil
	})
	return out, receipt, err
}

// SwapExactOutput buys amount of output on the exchange.
func (s *System) SwapExactOutput(trader common.Address, output ledger.Asset, amount, maxInput *uint256.Int, deadline uint64) (*uint256.Int, Receipt, error) {
	var in *uint256.Int
	receipt, err := s.commit(OpSwapExactOutput, trader, func() (map[string]*uint256.Int, error) {
		var err error
		if in, err = s.exchange.SwapExactOutput(trader, output, amount, maxInput, deadline); err != nil {
			return nil, err
		}
		return map[string]*uint256.Int{"input": in, "output": amount.Clone()}, nil
	})
	return in, receipt, err
}

// AddLiquidity deposits currencyAmount and the matching tokens into the exchange.
func (s *System) AddLiquidity(provider common.Address, currencyAmount, maxTokens, minLiquidity *uint256.Int, deadline uint64) (*uint256.Int, Receipt, error) {
	var minted *uint256.Int
	receipt, err := s.commit(OpAddLiquidity, provider, func() (map[string]*uint256.Int, error) {
		var err error
		if minted, err = s.exchange.AddLiquidity(provider, currencyAmount, maxTokens, minLiquidity, deadline); err != nil {
			return nil, err
		}
		return map[string]*uint256.Int{"currency": currencyAmount.Clone(), "minted": minted}, nil
	})
	return minted, receipt, err
}

// RemoveLiquidity burns shares and returns the provider's portion of the reserves.
func (s *System) RemoveLiquidity(provider common.Address, shares, minCurrency, minTokens *uint256.Int, deadline uint64) (currency, tokens *uint256.Int, receipt Receipt, err error) {
	receipt, err = s.commit(OpRemoveLiquidity, provider, func() (map[string]*uint256.Int, error) {
		var err error
		if currency, tokens, err = s.exchange.RemoveLiquidity(provider, shares, minCurrency, minTokens, deadline); err != nil {
			return nil, err
		}
		return map[string]*uint256.Int{"burned": shares.Clone(), "currency": currency, "tokens": tokens}, nil
	})
	return currency, tokens, receipt, err
}

// Borrow takes tokens from the lending pool against currency collateral.
func (s *System) Borrow(borrower common.Address, tokenAmount, attachedCollateral *uint256.Int) (*uint256.Int, Receipt, error) {
	var deposit *uint256.Int
	receipt, err := s.commit(OpBorrow, borrower, func() (map[string]*uint256.Int, error) {
		var err error
		if deposit, err = s.pool.Borrow(borrower, tokenAmount, attachedCollateral); err != nil {
			return nil, err
		}
		return map[string]*uint256.Int{"borrowed": tokenAmount.Clone(), "deposit": deposit}, nil
	})
	return deposit, receipt, err
}

// Repay returns borrowed tokens and releases collateral.
func (s *System) Repay(borrower common.Address, tokenAmount *uint256.Int) (*uint256.Int, Receipt, error) {
	var released *uint256.Int
	receipt, err := s.commit(OpRepay, borrower, func() (map[string]*uint256.Int, error) {
		var err error
		if released, err = s.pool.Repay(borrower, tokenAmount); err != nil {
			return nil, err
		}
		return map[string]*uint256.Int{"repaid": tokenAmount.Clone(), "released": released}, nil
	})
	return released, receipt, err
}

// Liquidate closes an undercollateralized position on behalf of liquidator.
func (s *System) Liquidate(liquidator, borrower common.Address) (*uint256.Int, Receipt, error) {
	var seized *uint256.Int
	receipt, err := s.commit(OpLiquidate, liquidator, func() (map[string]*uint256.Int, error) {
		var err error
		if seized, err = s.pool.Liquidate(liquidator, borrower); err != nil {
			return nil, err
		}
		return map[string]*uint256.Int{"seized": seized}, nil
	})
	return seized, receipt, err
}

// --- Read-only operations ---

// QuoteExactInput prices a sale without executing it.
func (s *System) QuoteExactInput(input ledger.Asset, amount *uint256.Int) (*uint256.Int, error) {
	return s.exchange.QuoteExactInput(input, amount)
}

// QuoteExactOutput prices a purchase without executing it.
func (s *System) QuoteExactOutput(output ledger.Asset, amount *uint256.Int) (*uint256.Int, error) {
	return s.exchange.QuoteExactOutput(output, amount)
}

// SpotPrice returns the exchange's instantaneous price of base, scaled by 1e18.
func (s *System) SpotPrice(base ledger.Asset) (*uint256.Int, error) {
	return s.exchange.SpotPrice(base)
}

// CalculateDepositRequired returns the collateral the pool would ask for right now.
func (s *System) CalculateDepositRequired(tokenAmount *uint256.Int) (*uint256.Int, error) {
	return s.pool.CalculateDepositRequired(tokenAmount)
}

// Position returns the borrower's open position, if any.
func (s *System) Position(borrower common.Address) (lending.Position, bool) {
	return s.pool.Position(borrower)
}

// BalanceOf returns an account's ledger balance.
func (s *System) BalanceOf(asset ledger.Asset, account common.Address) *uint256.Int {
	return s.ledger.BalanceOf(asset, account)
}

// Assets lists the assets known to the ledger.
func (s *System) Assets() []ledger.AssetInfo {
	return s.ledger.Assets()
}

// State returns the snapshot taken after the last committed operation. The
// snapshot is shared and must not be modified.
func (s *System) State() *engine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateOps returns the differ and patcher used for the journal, so consumers can
// replay entries onto an earlier snapshot.
func (s *System) StateOps() *stateops.StateOps {
	return s.ops
}
