// dalcore — the coordinator daemon for decentralized active learning.
//
// It owns project configurations, publishes reproducible bundles to the
// object store, drives active-learning rounds against the governance layer
// and the local ML service, and exports voting results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chainlearn/dalcore/internal/audit"
	"github.com/chainlearn/dalcore/internal/bundle"
	"github.com/chainlearn/dalcore/internal/config"
	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/deploy"
	"github.com/chainlearn/dalcore/internal/events"
	"github.com/chainlearn/dalcore/internal/identity"
	"github.com/chainlearn/dalcore/internal/ipfs"
	"github.com/chainlearn/dalcore/internal/iteration"
	"github.com/chainlearn/dalcore/internal/mlservice"
	"github.com/chainlearn/dalcore/internal/registry"
	"github.com/chainlearn/dalcore/internal/server"
	"github.com/chainlearn/dalcore/internal/signing"
	"github.com/chainlearn/dalcore/internal/telemetry"
	"github.com/chainlearn/dalcore/internal/voting"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (YAML)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("dalcore %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = shutdownTracing(shCtx)
	}()

	bus := events.NewBus(cfg.EventBufferSize)

	ledger, err := audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}
	defer ledger.Close()

	store, err := configstore.NewStore(cfg.StoreRoot, bus, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("open configuration store: %w", err)
	}

	key, err := signing.LoadKey(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	signer := signing.NewSigner(cfg.GovernanceNodes[0], cfg.Identity, key, logger.Named("signing"))

	gov, err := registry.NewClient(cfg.GovernanceNodes, signer, logger.Named("registry"))
	if err != nil {
		return fmt.Errorf("governance client: %w", err)
	}
	roles := identity.NewResolver(gov)

	objects := ipfs.NewClient(cfg.ObjectStoreGateways[0], cfg.ObjectStoreGateways, logger.Named("ipfs"))
	ml := mlservice.NewClient(cfg.MLServiceURL, logger.Named("mlservice"))

	builder := bundle.NewBuilder(bundle.DefaultInlineThreshold, os.ReadFile)

	orchestrator := deploy.NewOrchestrator(store, builder, objects, gov, roles, bus, ledger,
		logger.Named("deploy"), deploy.Options{
			Identity:        cfg.Identity,
			VotingContract:  cfg.VotingContract,
			StorageContract: cfg.StorageContract,
			Timeout:         cfg.Timeouts.Deploy.Std(),
		})

	exporter := voting.NewExporter(gov, objects, ml, cfg.MLOutputsDir, bus, ledger, logger.Named("voting"))

	engine := iteration.NewEngine(store, gov, ml, objects, exporter, roles, bus, ledger,
		logger.Named("iteration"), iteration.Options{
			Identity: cfg.Identity,
			Training: cfg.Timeouts.Training.Std(),
			Querying: cfg.Timeouts.Querying.Std(),
			Voting:   cfg.Timeouts.Voting.Std(),
		})

	// Pick up work interrupted by the previous run.
	orchestrator.Resume(ctx)
	resumeIterations(ctx, store, engine, logger)

	sweeper := voting.NewSweeper(store, exporter, logger.Named("sweeper"))
	if cfg.ExportSweep != "" {
		if err := sweeper.Start(cfg.ExportSweep); err != nil {
			return fmt.Errorf("start export sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	var tokens *server.TokenStore
	if cfg.AuthEnabled {
		tokens, err = server.NewTokenStore(cfg.TokensPath)
		if err != nil {
			return fmt.Errorf("open token store: %w", err)
		}
	}

	srv := server.New(server.Deps{
		Store:    store,
		Gov:      gov,
		Deployer: orchestrator,
		Iterator: engine,
		Roles:    roles,
		ML:       ml,
		Objects:  objects,
		Exporter: exporter,
		Ledger:   ledger,
		Bus:      bus,
		Tokens:   tokens,
		Logger:   logger.Named("server"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.ListenAddr) }()

	logger.Info("dalcore started",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("identity", cfg.Identity),
		zap.Strings("governance_nodes", cfg.GovernanceNodes))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shCancel()
	return srv.Shutdown(shCtx)
}

// resumeIterations restarts rounds that were mid-flight when the daemon
// last stopped.
func resumeIterations(ctx context.Context, store *configstore.Store, engine *iteration.Engine, logger *zap.Logger) {
	configs, err := store.List()
	if err != nil {
		logger.Warn("cannot list projects for resume", zap.Error(err))
		return
	}
	for _, cfg := range configs {
		history, err := store.History(cfg.ProjectID)
		if err != nil {
			continue
		}
		current := history.CurrentIteration()
		if current == nil || current.Phase.Terminal() {
			continue
		}
		projectID := cfg.ProjectID
		logger.Info("resuming interrupted round",
			zap.String("project", projectID),
			zap.Int("round", current.Round),
			zap.String("phase", string(current.Phase)))
		go func() {
			if _, err := engine.Resume(ctx, projectID); err != nil {
				logger.Warn("resume failed", zap.String("project", projectID), zap.Error(err))
			}
		}()
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
