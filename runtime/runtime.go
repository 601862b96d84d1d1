package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/InsulaLabs/pwmcp/config"
	"github.com/InsulaLabs/pwmcp/internal/blob"
	"github.com/InsulaLabs/pwmcp/internal/child"
	"github.com/InsulaLabs/pwmcp/internal/dispatch"
	"github.com/InsulaLabs/pwmcp/internal/intercept"
	"github.com/InsulaLabs/pwmcp/internal/pool"
	"github.com/InsulaLabs/pwmcp/internal/service"
	"github.com/InsulaLabs/pwmcp/internal/snapcache"
)

// Runtime manages the execution of the proxy: configuration, signal
// processing, and the lifecycle of the browser fleet behind the MCP
// stdio surface.
type Runtime struct {
	appCtx    context.Context
	appCancel context.CancelFunc
	logger    *slog.Logger
	cfg       *config.Proxy

	store     *blob.Store
	snapshots *snapcache.Cache
	registry  *pool.Registry
	service   *service.Service

	currentLogLevel slog.Level
}

// New initializes the application context, sets up signal handling,
// parses command-line flags, and loads the proxy configuration from
// the environment.
func New(args []string) (*Runtime, error) {
	r := &Runtime{}
	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "pwmcp")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var logLevel string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	switch logLevel {
	case "debug":
		r.currentLogLevel = slog.LevelDebug
	case "info":
		r.currentLogLevel = slog.LevelInfo
	case "warn":
		r.currentLogLevel = slog.LevelWarn
	case "error":
		r.currentLogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", logLevel)
	}

	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "pwmcp")

	var err error
	r.cfg, err = config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	r.store, err = blob.NewStore(r.logger, r.cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob storage at %s: %w", r.cfg.Blob.StorageRoot, err)
	}

	r.snapshots = snapcache.New(snapcache.DefaultTTL)

	r.registry = pool.NewRegistry(r.logger, r.cfg, func(poolName string, inst config.Instance) pool.Runner {
		return child.NewSupervisor(inst.ID, inst.Alias, inst.Browser, child.Options{
			Logger:         r.logger.With("pool", poolName),
			StartupTimeout: r.cfg.StartupTimeout,
			CallTimeout:    r.cfg.CallTimeout,
			ProbeTimeout:   r.cfg.ProbeTimeout,
		})
	})

	interceptor := intercept.New(r.logger, r.store, r.cfg.Blob.ThresholdBytes)
	dispatcher := dispatch.New(r.logger, r.registry, interceptor, r.snapshots, r.cfg.CallTimeout)
	r.service = service.New(r.logger, dispatcher)

	return r, nil
}

// Run starts the browser fleet and serves MCP over stdio until the
// client disconnects or a shutdown signal arrives.
func (r *Runtime) Run() error {
	defer r.appCancel()

	r.logger.Info("Starting browser fleet",
		"pools", len(r.cfg.Pools),
		"default_pool", r.cfg.DefaultPoolName,
	)
	if err := r.registry.Start(r.appCtx); err != nil {
		return fmt.Errorf("failed to start browser fleet: %w", err)
	}

	go r.store.Run(r.appCtx)
	go r.registry.RunHealthLoops(r.appCtx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- r.service.Serve(r.appCtx)
	}()

	var err error
	select {
	case err = <-serveErr:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			r.logger.Error("MCP transport failed", "error", err)
		} else {
			r.logger.Info("MCP client disconnected")
		}
	case <-r.appCtx.Done():
	}

	r.shutdown()
	return err
}

// shutdown stops every child with the configured grace period and
// releases the snapshot cache.
func (r *Runtime) shutdown() {
	r.logger.Info("Shutting down browser fleet", "grace", r.cfg.ShutdownGrace)
	r.registry.Shutdown(r.cfg.ShutdownGrace)
	r.snapshots.Stop()
	r.logger.Info("Shutdown complete")
}
