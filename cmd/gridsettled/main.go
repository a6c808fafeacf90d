package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridsettle/audit"
	"gridsettle/clock"
	"gridsettle/config"
	"gridsettle/crypto"
	"gridsettle/native/settlement"
	"gridsettle/observability/logging"
	"gridsettle/rpc"
	"gridsettle/state"
	"gridsettle/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("GRIDSETTLE_ENV"))
	logger := logging.Setup("gridsettled", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "settlement"))
	if err != nil {
		logger.Error("failed to open state database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	journal, err := audit.Open(cfg.AuditPath)
	if err != nil {
		logger.Error("failed to open audit journal", "err", err)
		os.Exit(1)
	}
	defer func() { _ = journal.Close() }()

	manager := state.NewManager(db)

	admin, err := cfg.AdminAddress()
	if err != nil {
		logger.Error("invalid admin address", "err", err)
		os.Exit(1)
	}
	oracle, err := cfg.OracleAddress()
	if err != nil {
		logger.Error("invalid oracle address", "err", err)
		os.Exit(1)
	}

	engine := settlement.NewEngine(oracle.Bytes())
	engine.SetState(manager)
	engine.SetEmitter(journal)
	if min, err := cfg.ParseMinTradeAmount(); err == nil && min != nil {
		engine.SetMinTradeAmount(min)
	}

	logicalClock := &clock.Logical{}
	engine.SetClockFunc(logicalClock.Now)

	if err := engine.Bootstrap(admin.Bytes()); err != nil {
		logger.Error("failed to bootstrap settlement engine", "err", err)
		os.Exit(1)
	}
	if err := applyGenesis(manager, cfg); err != nil {
		logger.Error("failed to apply genesis allocations", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tickInterval, _ := cfg.ParseTickInterval()
	go logicalClock.Run(ctx, tickInterval)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprintln(w, "ok")
		})
		server := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	server := rpc.NewServer(engine, manager, journal, logicalClock, logger, cfg.RPCToken)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.RPCAddress) }()

	logger.Info("gridsettled started",
		"network", cfg.NetworkName,
		"rpc", cfg.RPCAddress,
		"metrics", cfg.MetricsAddress,
		"admin", admin.String(),
		"oracle", oracle.String(),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("rpc server stopped", "err", err)
			os.Exit(1)
		}
	}
}

// applyGenesis credits first-start balance allocations. Accounts that already
// hold funds are left untouched so restarts never re-credit.
func applyGenesis(manager *state.Manager, cfg *config.Config) error {
	for _, alloc := range cfg.Genesis.Accounts {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return fmt.Errorf("genesis allocation %q: %w", alloc.Address, err)
		}
		raw := addr.Bytes()
		existing, err := manager.GetAccount(raw[:])
		if err != nil {
			return err
		}
		if existing.Balance.Sign() > 0 {
			continue
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Balance), 10)
		if !ok {
			return fmt.Errorf("invalid genesis balance %q", alloc.Balance)
		}
		existing.Balance = balance
		if err := manager.PutAccount(raw[:], existing); err != nil {
			return err
		}
	}
	return nil
}
