package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/ledger"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1/calculator"
	"github.com/defistate/defistate-lending-go/system"
	"github.com/defistate/defistate-lending-go/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen      = ":8545"
	defaultMetricsPath = "/metrics"
)

// Config captures the runtime settings of the lending daemon.
type Config struct {
	Listen      string `yaml:"listen"`
	MetricsPath string `yaml:"metrics_path"`

	Token    AssetConfig `yaml:"token"`
	Currency AssetConfig `yaml:"currency"`

	Exchange ExchangeConfig `yaml:"exchange"`
	Lending  LendingConfig  `yaml:"lending"`
	Oracle   OracleConfig   `yaml:"oracle"`

	Genesis          []GenesisBalance  `yaml:"genesis"`
	InitialLiquidity *InitialLiquidity `yaml:"initial_liquidity"`

	JournalSize  int `yaml:"journal_size"`
	StreamBuffer int `yaml:"stream_buffer"`
}

// AssetConfig describes one side of the pair.
type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Decimals uint8  `yaml:"decimals"`
}

// ExchangeConfig places the exchange on the ledger and sets its fee.
type ExchangeConfig struct {
	Address        string `yaml:"address"`
	FeeNumerator   uint64 `yaml:"fee_numerator"`
	FeeDenominator uint64 `yaml:"fee_denominator"`
}

// LendingConfig places the lending pool on the ledger.
type LendingConfig struct {
	Address       string `yaml:"address"`
	DepositFactor uint64 `yaml:"deposit_factor"`
}

// OracleConfig selects the lending pool's price source.
type OracleConfig struct {
	Kind            string        `yaml:"kind"`
	Window          time.Duration `yaml:"window"`
	Interval        time.Duration `yaml:"interval"`
	MaxObservations int           `yaml:"max_observations"`
}

// GenesisBalance is minted at startup. Amount is a decimal in whole units of the
// asset, e.g. "1.5".
type GenesisBalance struct {
	Account string `yaml:"account"`
	Asset   string `yaml:"asset"`
	Amount  string `yaml:"amount"`
}

// InitialLiquidity seeds the exchange. Amounts are decimals in whole units.
type InitialLiquidity struct {
	Provider string `yaml:"provider"`
	Currency string `yaml:"currency"`
	Tokens   string `yaml:"tokens"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = defaultMetricsPath
	}
	cfg.Token.Symbol = strings.TrimSpace(cfg.Token.Symbol)
	cfg.Currency.Symbol = strings.TrimSpace(cfg.Currency.Symbol)
	cfg.Oracle.Kind = strings.ToLower(strings.TrimSpace(cfg.Oracle.Kind))
}

func (cfg *Config) validate() error {
	if cfg.Token.Symbol == "" || cfg.Currency.Symbol == "" {
		return errors.New("token and currency symbols are required")
	}
	if cfg.Token.Symbol == cfg.Currency.Symbol {
		return fmt.Errorf("token and currency are both %s", cfg.Token.Symbol)
	}
	for name, addr := range map[string]string{"exchange": cfg.Exchange.Address, "lending": cfg.Lending.Address} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: invalid address %q", name, addr)
		}
	}
	if (cfg.Exchange.FeeNumerator == 0) != (cfg.Exchange.FeeDenominator == 0) {
		return errors.New("exchange: fee_numerator and fee_denominator must be set together")
	}
	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		return fmt.Errorf("metrics_path %q must start with /", cfg.MetricsPath)
	}
	for i, g := range cfg.Genesis {
		if !common.IsHexAddress(g.Account) {
			return fmt.Errorf("genesis[%d]: invalid account %q", i, g.Account)
		}
		if g.Asset != cfg.Token.Symbol && g.Asset != cfg.Currency.Symbol {
			return fmt.Errorf("genesis[%d]: unknown asset %q", i, g.Asset)
		}
	}
	if il := cfg.InitialLiquidity; il != nil && !common.IsHexAddress(il.Provider) {
		return fmt.Errorf("initial_liquidity: invalid provider %q", il.Provider)
	}
	return nil
}

// System converts the file settings into a system configuration, parsing every
// decimal amount into base units of its asset.
func (cfg *Config) System(clk clock.Clock, logger system.Logger, registry prometheus.Registerer) (*system.Config, error) {
	decimals := map[string]uint8{
		cfg.Token.Symbol:    cfg.Token.Decimals,
		cfg.Currency.Symbol: cfg.Currency.Decimals,
	}

	out := &system.Config{
		Assets: []ledger.AssetInfo{
			{ID: ledger.Asset(cfg.Token.Symbol), Name: cfg.Token.Name, Decimals: cfg.Token.Decimals},
			{ID: ledger.Asset(cfg.Currency.Symbol), Name: cfg.Currency.Name, Decimals: cfg.Currency.Decimals},
		},
		Token:           ledger.Asset(cfg.Token.Symbol),
		Currency:        ledger.Asset(cfg.Currency.Symbol),
		ExchangeAddress: common.HexToAddress(cfg.Exchange.Address),
		PoolAddress:     common.HexToAddress(cfg.Lending.Address),
		Fee:             calculator.Fee{Numerator: cfg.Exchange.FeeNumerator, Denominator: cfg.Exchange.FeeDenominator},
		DepositFactor:   cfg.Lending.DepositFactor,
		Oracle: system.OracleConfig{
			Kind:            cfg.Oracle.Kind,
			Window:          cfg.Oracle.Window,
			Interval:        cfg.Oracle.Interval,
			MaxObservations: cfg.Oracle.MaxObservations,
		},
		JournalSize: cfg.JournalSize,
		Clock:       clk,
		Logger:      logger,
		Registry:    registry,
	}

	for i, g := range cfg.Genesis {
		amount, err := units.Parse(g.Amount, decimals[g.Asset])
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		out.Genesis = append(out.Genesis, ledger.Balance{
			Asset:   ledger.Asset(g.Asset),
			Account: common.HexToAddress(g.Account),
			Amount:  amount,
		})
	}

	if il := cfg.InitialLiquidity; il != nil {
		var currency, tokens *uint256.Int
		var err error
		if currency, err = units.Parse(il.Currency, cfg.Currency.Decimals); err != nil {
			return nil, fmt.Errorf("initial_liquidity currency: %w", err)
		}
		if tokens, err = units.Parse(il.Tokens, cfg.Token.Decimals); err != nil {
			return nil, fmt.Errorf("initial_liquidity tokens: %w", err)
		}
		out.InitialLiquidity = &system.InitialLiquidity{
			Provider: common.HexToAddress(il.Provider),
			Currency: currency,
			Tokens:   tokens,
		}
	}
	return out, nil
}
