package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defistate/defistate-lending-go/api"
	"github.com/defistate/defistate-lending-go/clock"
	"github.com/defistate/defistate-lending-go/cmd/lendingd/config"
	"github.com/defistate/defistate-lending-go/system"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

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

	sysCfg, err := cfg.System(clock.System{}, rootLogger.With("component", "system"), prometheusRegistry)
	if err != nil {
		rootLogger.Error("Invalid system configuration", "error", err)
		close()
	}
	sys, err := system.New(sysCfg)
	if err != nil {
		rootLogger.Error("Failed to initialize system", "error", err)
		close()
	}
	go sys.Run(ctx)

	svc, err := api.NewService(&api.Config{
		System:       sys,
		Logger:       rootLogger.With("component", "api"),
		StreamBuffer: cfg.StreamBuffer,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize API", "error", err)
		close()
	}
	rpcServer := rpc.NewServer()
	if err := api.Register(rpcServer, svc); err != nil {
		rootLogger.Error("Failed to register API", "error", err)
		close()
	}
	defer rpcServer.Stop()

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/ws", rpcServer.WebsocketHandler([]string{"*"}))
	mux.Handle("/", rpcServer)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			rootLogger.Warn("HTTP shutdown did not complete", "error", err)
		}
	}()

	rootLogger.Info("Serving JSON-RPC",
		"listen", cfg.Listen,
		"http", "/",
		"ws", "/ws",
		"metrics", cfg.MetricsPath,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rootLogger.Error("HTTP server failed", "error", err)
		close()
	}
	rootLogger.Info("Shut down", "sequence", sys.State().Sequence)
}

// loadConfig resolves the config path from -config, then LENDINGD_CONFIG (which
// may come from a .env file), then config.yaml.
func loadConfig() (config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config.Config{}, err
	}
	defaultPath := os.Getenv("LENDINGD_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.Load(*configPath)
}
