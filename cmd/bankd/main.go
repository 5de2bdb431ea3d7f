// main.go - Privacy-preserving bank daemon.
//
// bankd hosts the ledger node, executes the banking circuit operations,
// keeps the private store of its users and serves the client API over
// HTTP, with live account views over websockets.
//
// Usage:
//
//	bankd -config bankd.toml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"privbank/internal/circuit"
	"privbank/internal/client"
	"privbank/internal/config"
	"privbank/internal/contract"
	"privbank/internal/keys"
	"privbank/internal/ledger"
	"privbank/internal/logging"
	"privbank/internal/metrics"
	"privbank/internal/privstore"
	"privbank/internal/transport"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "bankd.toml", "path to the TOML or YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("load env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, closer := logging.Setup("bankd", cfg.Env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error("bankd stopped", slog.Any("error", err))
		closer.Close()
		os.Exit(1)
	}
}

func openNode(path string, logger *slog.Logger) (*ledger.Node, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ledger.NewNode(ledger.WithLogger(logger)), nil
	}
	return ledger.LoadNodeFromFile(path, ledger.WithLogger(logger))
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	m := metrics.Bank()

	backend, err := privstore.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open private store: %w", err)
	}
	store := privstore.New(backend, privstore.WithLogger(logger), privstore.WithMetrics(m))
	defer store.Close()

	node, err := openNode(cfg.LedgerPath, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer node.Close()

	logger.Info("loading circuit keys", slog.String("dir", cfg.KeyDir))
	prover, err := circuit.LoadOrSetup(cfg.KeyDir)
	if err != nil {
		return fmt.Errorf("circuit setup: %w", err)
	}

	providers := client.Providers{
		Reader:  node,
		Prover:  prover,
		Private: store,
		Connect: func(address string) circuit.Invoker {
			return contract.New(node, address, prover, contract.WithLogger(logger), contract.WithMetrics(m))
		},
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithMetrics(m),
		client.WithRetryDelay(cfg.RetryDelay.Duration),
		client.WithBootstrap(client.Bootstrap{
			Attempts: cfg.Bootstrap.Attempts,
			Initial:  cfg.Bootstrap.Initial.Duration,
			Max:      cfg.Bootstrap.Max.Duration,
		}),
	}

	var c *client.Client
	if cfg.ContractAddress != "" {
		c, err = client.Join(ctx, providers, cfg.ContractAddress, opts...)
	} else {
		c, err = client.Deploy(ctx, providers, node, opts...)
	}
	if err != nil {
		return fmt.Errorf("bootstrap contract: %w", err)
	}
	defer c.Close()

	if cfg.ContractAddress == "" {
		cfg.ContractAddress = c.Address()
		if err := node.SaveToFile(cfg.LedgerPath); err != nil {
			return fmt.Errorf("persist ledger: %w", err)
		}
		if err := config.Save(cfg, configPath); err != nil {
			logger.Warn("contract address not saved to config", slog.Any("error", err))
		}
	}

	nodeID := uuid.NewString()
	health := NewHealthChecker(version)
	health.RegisterComponent("ledger", func() error {
		snap, err := node.Read(ctx, c.Address())
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("contract %s missing", c.Address())
		}
		return nil
	})
	health.RegisterComponent("private_store", func() error {
		_, err := store.Get(keys.Normalize("bankd-health"))
		return err
	})

	limiter := NewClientRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, m)
	srv := NewServer(c, transport.NewServer(node, nodeID, logger), health, limiter, nodeID, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bankd listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("contract", c.Address()),
			slog.String("version", version))
		errCh <- httpSrv.ListenAndServe()
	}()

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	for {
		select {
		case now := <-sweep.C:
			if n := limiter.Sweep(now); n > 0 {
				logger.Debug("rate limiter swept", slog.Int("clients", n))
			}
			continue
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
		case <-ctx.Done():
			logger.Info("shutting down")
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	if err := node.SaveToFile(cfg.LedgerPath); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	logger.Info("ledger saved", slog.String("path", cfg.LedgerPath))
	return nil
}
