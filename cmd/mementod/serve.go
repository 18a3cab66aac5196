package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/memento/internal/blob"
	"github.com/scrypster/memento/internal/composer"
	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/consolidate"
	"github.com/scrypster/memento/internal/control"
	"github.com/scrypster/memento/internal/crypto"
	"github.com/scrypster/memento/internal/decay"
	"github.com/scrypster/memento/internal/distill"
	"github.com/scrypster/memento/internal/httpapi"
	"github.com/scrypster/memento/internal/identity"
	"github.com/scrypster/memento/internal/llm"
	"github.com/scrypster/memento/internal/logging"
	"github.com/scrypster/memento/internal/memories"
	"github.com/scrypster/memento/internal/skiplist"
	"github.com/scrypster/memento/internal/vectorstore"
	"github.com/scrypster/memento/internal/workingmem"
	"github.com/scrypster/memento/internal/workspace"
)

// shutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memento HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

// run wires all services and blocks until the context is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctrl, err := control.Open(cfg.Control.URL, logger)
	if err != nil {
		return fmt.Errorf("failed to open control store: %w", err)
	}
	defer func() { _ = ctrl.Close() }()

	keys, err := openKeyCache(cfg, ctrl, logger)
	if err != nil {
		return err
	}

	manager, err := workspace.NewManager(cfg.Workspaces.DataDir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	index, err := vectorstore.NewIndex(cfg.VectorStore, logger)
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	defer func() { _ = index.Close() }()

	blobs, err := blob.NewStore(cfg.Blob.Path, logger)
	if err != nil {
		return err
	}

	// The LLM is optional: without it, consolidation uses templates and
	// distill extracts nothing.
	var completer llm.Completer
	client, err := llm.NewClient(cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		logger.Info("llm not configured, template synthesis only")
	case err != nil:
		return err
	default:
		completer = client
	}

	memSvc, err := memories.NewService(blobs, index, logger)
	if err != nil {
		return err
	}
	items := workingmem.NewService(logger)
	skips := skiplist.NewService(logger)
	idn, err := identity.NewService(items, logger)
	if err != nil {
		return err
	}
	consolidator := consolidate.NewService(completer, index, logger)
	distiller, err := distill.NewService(completer, memSvc, logger)
	if err != nil {
		return err
	}
	comp, err := composer.New(memSvc, items, skips, idn, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server, err := httpapi.NewServer(httpapi.Deps{
		Config:       cfg,
		Logger:       logger,
		Control:      ctrl,
		Manager:      manager,
		Keys:         keys,
		Memories:     memSvc,
		Items:        items,
		Skips:        skips,
		Identity:     idn,
		Consolidator: consolidator,
		Distiller:    distiller,
		Composer:     comp,
		Blobs:        blobs,
		Registry:     registry,
	})
	if err != nil {
		return err
	}

	var sweeper *decay.Worker
	if cfg.Decay.Enabled {
		sweeper, err = decay.NewWorker(ctrl, manager, cfg.Decay.Interval, registry, logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if sweeper != nil {
		sweeper.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openKeyCache builds the workspace key cache from the configured master
// key. A missing key disables field encryption, which is loudly logged.
func openKeyCache(cfg *config.Config, ctrl *control.Store, logger *zap.Logger) (*crypto.KeyCache, error) {
	var masterKey []byte
	switch {
	case cfg.Crypto.MasterKey != "":
		key, err := crypto.ParseMasterKey(cfg.Crypto.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("invalid master key: %w", err)
		}
		masterKey = key
	case cfg.Crypto.DevFallback:
		logger.Warn("using deterministic dev master key, never use in production")
		masterKey = crypto.DevMasterKey()
	default:
		logger.Warn("no master key configured, field encryption disabled")
		return nil, nil
	}

	_ = os.Unsetenv("MEMENTO_CRYPTO_MASTER_KEY")
	return crypto.NewKeyCache(masterKey, ctrl, logger)
}
