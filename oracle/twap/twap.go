// Package twap provides a time-weighted average price oracle fed by periodic spot
// observations. A spot price only starts to count once time has passed with it in
// effect, so moving the reserves and reading the oracle at the same instant does
// not move the average.
package twap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/holiman/uint256"
)

const defaultMaxObservations = 256

var (
	// ErrInsufficientHistory is returned until an observation at least one window old exists.
	ErrInsufficientHistory = errors.New("not enough price history")
	// ErrUnsupportedAsset is returned when quoting an asset other than the configured base.
	ErrUnsupportedAsset = errors.New("unsupported asset")
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Source supplies instantaneous prices, e.g. a uniswapv1 exchange.
type Source interface {
	SpotPrice(base ledger.Asset) (*uint256.Int, error)
}

// Config holds the parameters of an Oracle.
type Config struct {
	Source Source
	Base   ledger.Asset
	// Window is the averaging period. It is rounded down to whole seconds.
	Window time.Duration
	Clock  clock.Clock
	Logger Logger
	// MaxObservations bounds the history kept. Defaults to 256.
	MaxObservations int
}

func (c *Config) validate() error {
	if c.Source == nil {
		return errors.New("config: Source cannot be nil")
	}
	if c.Clock == nil {
		return errors.New("config: Clock cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.Base == "" {
		return errors.New("config: Base must be set")
	}
	if c.Window < time.Second {
		return fmt.Errorf("config: Window must be at least one second, got %s", c.Window)
	}
	if c.MaxObservations < 0 {
		return errors.New("config: MaxObservations cannot be negative")
	}
	return nil
}

type observation struct {
	timestamp  int64
	cumulative uint256.Int
}

// Oracle accumulates price*seconds the way Uniswap v2 pairs do. The cumulative
// value wraps modulo 2^256; differences between two readings stay exact as long
// as they are less than one wrap apart.
type Oracle struct {
	mu sync.Mutex

	source Source
	base   ledger.Asset
	window int64
	clock  clock.Clock
	logger Logger

	lastPrice  *uint256.Int
	lastTime   int64
	cumulative uint256.Int
	history    []observation
	max        int
}

// New creates an oracle with no history. Observe must run at least once, and a
// full window must pass, before Price succeeds.
func New(cfg *Config) (*Oracle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	limit := cfg.MaxObservations
	if limit == 0 {
		limit = defaultMaxObservations
	}
	return &Oracle{
		source: cfg.Source,
		base:   cfg.Base,
		window: int64(cfg.Window / time.Second),
		clock:  cfg.Clock,
		logger: cfg.Logger,
		max:    limit,
	}, nil
}

// Observe folds the elapsed time into the accumulator at the previous price and
// records the source's current spot price.
func (o *Oracle) Observe() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	price, err := o.source.SpotPrice(o.base)
	if err != nil {
		return fmt.Errorf("observing %s: %w", o.base, err)
	}
	now := o.clock.Now().Unix()
	o.accumulate(now)
	o.lastPrice = price

	if n := len(o.history); n > 0 && o.history[n-1].timestamp >= now {
		return nil
	}
	o.history = append(o.history, observation{timestamp: now, cumulative: o.cumulative})
	if len(o.history) > o.max {
		o.history = o.history[len(o.history)-o.max:]
	}
	return nil
}

func (o *Oracle) accumulate(now int64) {
	if o.lastPrice != nil && now > o.lastTime {
		weighted := new(uint256.Int).Mul(o.lastPrice, uint256.NewInt(uint64(now-o.lastTime)))
		o.cumulative.Add(&o.cumulative, weighted)
	}
	if now > o.lastTime {
		o.lastTime = now
	}
}

// Price returns the average price of base over the last window, scaled by 1e18.
func (o *Oracle) Price(base ledger.Asset) (*uint256.Int, error) {
	if base != o.base {
		return nil, fmt.Errorf("%w: %s, oracle quotes %s", ErrUnsupportedAsset, base, o.base)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.lastPrice == nil {
		return nil, ErrInsufficientHistory
	}
	now := o.clock.Now().Unix()

	var current uint256.Int
	current.Set(&o.cumulative)
	if now > o.lastTime {
		current.Add(&current, new(uint256.Int).Mul(o.lastPrice, uint256.NewInt(uint64(now-o.lastTime))))
	}

	cutoff := now - o.window
	var anchor *observation
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].timestamp <= cutoff {
			anchor = &o.history[i]
			break
		}
	}
	if anchor == nil {
		return nil, fmt.Errorf("%w: need an observation at or before %d", ErrInsufficientHistory, cutoff)
	}

	elapsed := uint256.NewInt(uint64(now - anchor.timestamp))
	delta := new(uint256.Int).Sub(&current, &anchor.cumulative)
	return delta.Div(delta, elapsed), nil
}

// Run calls Observe every interval until ctx is canceled.
func (o *Oracle) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := o.Observe(); err != nil {
		o.logger.Warn("Initial price observation failed", "base", o.base, "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("TWAP observer stopped", "base", o.base)
			return
		case <-ticker.C:
			if err := o.Observe(); err != nil {
				o.logger.Warn("Price observation failed", "base", o.base, "error", err)
			}
		}
	}
}
