package system

import (
	"errors"
	"fmt"
	"time"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1/calculator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Oracle kinds accepted in OracleConfig.Kind.
const (
	OracleSpot = "spot"
	OracleTWAP = "twap"
)

const (
	defaultJournalSize  = 1024
	defaultTWAPInterval = 15 * time.Second
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// OracleConfig selects the price source of the lending pool.
type OracleConfig struct {
	// Kind is OracleSpot (the default) or OracleTWAP.
	Kind string
	// Window and Interval only apply to OracleTWAP.
	Window          time.Duration
	Interval        time.Duration
	MaxObservations int
}

// InitialLiquidity is the first provision made to the exchange at genesis. The
// provider must hold the amounts in Genesis.
type InitialLiquidity struct {
	Provider common.Address
	Currency *uint256.Int
	Tokens   *uint256.Int
}

// Config describes a complete system: the asset pair, the account addresses of
// both protocols and the genesis balances.
type Config struct {
	Assets   []ledger.AssetInfo
	Token    ledger.Asset
	Currency ledger.Asset

	ExchangeAddress common.Address
	PoolAddress     common.Address
	Fee             calculator.Fee
	DepositFactor   uint64
	Oracle          OracleConfig

	// Genesis balances are minted before anything else happens.
	Genesis          []ledger.Balance
	InitialLiquidity *InitialLiquidity

	// JournalSize bounds the number of retained journal entries. Defaults to 1024.
	JournalSize int

	Clock    clock.Clock
	Logger   Logger
	Registry prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Clock == nil {
		return errors.New("config: Clock cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}

	known := ledger.NewRegistry(c.Assets)
	for _, asset := range []ledger.Asset{c.Token, c.Currency} {
		if _, ok := known.Get(asset); !ok {
			return fmt.Errorf("config: asset %q is not listed in Assets", asset)
		}
	}
	if c.ExchangeAddress == c.PoolAddress {
		return errors.New("config: exchange and pool must use different addresses")
	}
	for _, b := range c.Genesis {
		if b.Amount == nil {
			return fmt.Errorf("config: genesis %s balance of %s has no amount", b.Asset, b.Account.Hex())
		}
	}
	if il := c.InitialLiquidity; il != nil && (il.Currency == nil || il.Tokens == nil) {
		return errors.New("config: initial liquidity needs both amounts")
	}
	if c.JournalSize < 0 {
		return errors.New("config: JournalSize cannot be negative")
	}

	switch c.Oracle.Kind {
	case "", OracleSpot:
	case OracleTWAP:
		if c.Oracle.Interval < 0 {
			return errors.New("config: oracle Interval cannot be negative")
		}
	default:
		return fmt.Errorf("config: unknown oracle kind %q", c.Oracle.Kind)
	}
	return nil
}
