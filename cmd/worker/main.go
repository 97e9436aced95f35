// Package main is the entry point of the deepforge worker.
// The worker dials a controller over WebSocket, identifies itself and then
// executes the commands it receives (processes, workspace files, artifacts)
// until the connection ends or the process is signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Pandinosaurus/deepforge/internal/common/config"
	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/storage"
	"github.com/Pandinosaurus/deepforge/internal/storage/fsstore"
	"github.com/Pandinosaurus/deepforge/internal/storage/natsstore"
	"github.com/Pandinosaurus/deepforge/internal/storage/sqlstore"
	"github.com/Pandinosaurus/deepforge/internal/tracing"
	"github.com/Pandinosaurus/deepforge/internal/worker/api"
	"github.com/Pandinosaurus/deepforge/internal/worker/client"
	"github.com/Pandinosaurus/deepforge/internal/worker/wsclient"
)

const shutdownTimeout = 30 * time.Second

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.RegisterFlags(flags)
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	err = run(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if terr := tracing.Shutdown(ctx); terr != nil {
		log.Warn("failed to flush traces", zap.Error(terr))
	}
	cancel()

	if err != nil {
		log.Error("worker stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("worker stopped")
	_ = log.Sync()
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting worker",
		zap.String("worker_id", cfg.Worker.ID),
		zap.String("server_url", cfg.Server.URL),
		zap.String("workspace", cfg.Workspace.Root),
	)

	registry := newStorageRegistry(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := wsclient.Dial(ctx, wsclient.Options{
		URL:              cfg.Server.URL,
		WorkerID:         cfg.Worker.ID,
		HandshakeTimeout: cfg.Server.DialTimeoutDuration(),
	}, log)
	if err != nil {
		return err
	}

	worker := client.New(conn, client.Options{
		WorkerID:    cfg.Worker.ID,
		Root:        cfg.Workspace.Root,
		GracePeriod: cfg.Process.KillGracePeriodDuration(),
		Resolver:    registry,
	}, log)

	// runCtx ends on a signal or when the controller goes away.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancelRun()
		// Run gets its own context: on shutdown the connection stays open
		// until pending completions have been sent.
		if err := worker.Run(context.Background()); err != nil {
			return fmt.Errorf("controller connection lost: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down worker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return worker.Shutdown(shutdownCtx)
	})

	if cfg.Status.Enabled {
		srv := api.NewServer(cfg.Worker.ID, worker, log)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Status.Addr())
		})
	}

	return g.Wait()
}

func newStorageRegistry(cfg *config.Config, log *logger.Logger) *storage.Registry {
	registry := storage.NewRegistry(log)
	fsstore.Register(registry)
	sqlstore.Register(registry)
	natsstore.Register(registry)

	for backend, defaults := range cfg.Storage.Backends {
		registry.SetDefaults(backend, storage.Config(defaults))
	}
	log.Debug("storage backends registered", zap.Strings("backends", registry.Backends()))
	return registry
}
