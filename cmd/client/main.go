package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/defistate/defistate-lending-go/cmd/client/config"
	"github.com/defistate/defistate-lending-go/engine"
	"github.com/defistate/defistate-lending-go/protocols/lending"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1"
	"github.com/defistate/defistate-lending-go/protocols/uniswapv1/calculator"
	"github.com/defistate/defistate-lending-go/streams/jsonrpc/client"
	"github.com/defistate/defistate-lending-go/streams/jsonrpc/stateops"
	"github.com/defistate/defistate-lending-go/system"
	"github.com/defistate/defistate-lending-go/units"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// create the log handler
	rootLogHandler := slog.NewJSONHandler(os.Stdout, nil)
	close := func() {
		os.Exit(1)
	}

	rootLogger := slog.New(rootLogHandler)
	prometheusRegistry := prometheus.DefaultRegisterer
	cfg, err := loadConfig()
	if err != nil {
		rootLogger.Error("Failed to load configuration", "error", err)
		close()
	}

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateOps, err := stateops.NewStateOps(rootLogger, prometheusRegistry)
	if err != nil {
		rootLogger.Error("Failed to initialize State Ops", "error", err)
		close()
	}

	client, err := client.NewClient(
		ctx,
		client.Config{
			URL:              cfg.StateStreamURL,
			Logger:           rootLogger.With("component", "jsonrpc-client"),
			BufferSize:       cfg.BufferSize,
			StatePatcher:     stateOps.Patch,
			StateDecoder:     stateOps.DecodeStateJSON,
			StateDiffDecoder: stateOps.DecodeStateDiffJSON,
		},
	)
	if err != nil {
		rootLogger.Error("Failed to initialize Client", "url", cfg.StateStreamURL, "error", err)
		close()
	}

	for {
		select {
		case state := <-client.State():
			logState(rootLogger, state)
		case err := <-client.Err():
			if err != nil {
				rootLogger.Error("Fatal client error", "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// logState reports the figures a lending pool priced from the exchange depends on.
func logState(logger *slog.Logger, state *engine.State) {
	args := []any{"sequence", state.Sequence}

	if p, ok := state.Protocols[system.ProtocolExchange].Data.(uniswapv1.Pool); ok {
		args = append(args,
			"reserveToken", units.FormatEther(p.Reserves.Token),
			"reserveCurrency", units.FormatEther(p.Reserves.Currency),
		)
		if price, err := calculator.SpotPrice(p.Reserves.Token, p.Reserves.Currency); err == nil {
			args = append(args, "spotPrice", units.FormatEther(price))
		}
	}
	if v, ok := state.Protocols[system.ProtocolLending].Data.(lending.PoolView); ok {
		args = append(args,
			"lendable", units.FormatEther(v.TokenReserve),
			"collateral", units.FormatEther(v.CollateralHeld),
			"positions", len(v.Positions),
		)
	}
	logger.Info("State", args...)
}

func loadConfig() (*config.ClientConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}
