package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/api"
	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/metrics"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "daemon"},
	Short:   "Run periodically and expose the status API",
	Long: `Start cookie-refresh in daemon mode.

A refresh run starts every server.interval. The HTTP status API serves the
population without secrets, the last run and Prometheus metrics, and
accepts API-key guarded requests to start a run immediately. Only one run
is active at a time. The config file is watched and reloaded; the next run
picks up the change.

Example:
  cookie-refresh serve --config config.yaml

The server will start listening on the address configured in the config file.`,
	RunE: runServe,
}

var serveFlags struct {
	Host       string
	Port       int
	Push       bool
	InitialRun bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.Push, "push", true, "Write results to the remote store and reload the gateway")
	serveCmd.Flags().BoolVar(&serveFlags.InitialRun, "initial-run", true, "Start a run immediately instead of waiting one interval")

	RootCmd.AddCommand(serveCmd)
}

// runFunc performs one fleet run with the given configuration.
type runFunc func(ctx context.Context, cfg *config.Config, force bool) (*models.Summary, error)

// daemon serialises fleet runs started by the scheduler and the API.
type daemon struct {
	loader *config.Loader
	logger *logging.Logger
	run    runFunc

	mu sync.Mutex
}

func newDaemon(loader *config.Loader, logger *logging.Logger, run runFunc) *daemon {
	return &daemon{loader: loader, logger: logger, run: run}
}

// RunNow runs the fleet with the current configuration. It returns
// api.ErrRunInProgress when another run holds the lock.
func (d *daemon) RunNow(ctx context.Context, force bool) (*models.Summary, error) {
	if !d.mu.TryLock() {
		return nil, api.ErrRunInProgress
	}
	defer d.mu.Unlock()

	cfg := d.loader.Get()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return d.run(ctx, cfg, force)
}

// Busy reports whether a run is going on.
func (d *daemon) Busy() bool {
	if d.mu.TryLock() {
		d.mu.Unlock()
		return false
	}
	return true
}

// schedule runs the fleet every interval until ctx is done. Ticks that fall
// on a busy daemon are dropped. A reloaded interval takes effect after the
// next tick.
func (d *daemon) schedule(ctx context.Context, interval time.Duration, initial bool) {
	if initial {
		d.tick(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
			if cfg := d.loader.Get(); cfg != nil && cfg.Server.Interval > 0 && cfg.Server.Interval != interval {
				interval = cfg.Server.Interval
				ticker.Reset(interval)
				d.logger.Info("run interval changed", "interval", interval.String())
			}
		}
	}
}

func (d *daemon) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	_, err := d.RunNow(ctx, false)
	switch {
	case errors.Is(err, api.ErrRunInProgress):
		d.logger.InfoWithContext(ctx, "scheduled run skipped, previous run still active")
	case err != nil:
		d.logger.ErrorWithContext(ctx, "scheduled run failed", "error", err.Error())
	}
}

// pipelineRunner builds a fresh pipeline for every run so reloaded settings
// take effect. Metrics are shared with the status API.
func pipelineRunner(logger *logging.Logger, m *metrics.Metrics, push bool) runFunc {
	return func(ctx context.Context, cfg *config.Config, force bool) (*models.Summary, error) {
		a, err := newApp(ctx, cfg, logger, appOptions{push: push, metrics: m})
		if err != nil {
			return nil, err
		}
		defer a.Close()
		summary, err := a.runner.RunAll(ctx, force)
		a.writeTextfile()
		return summary, err
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := newLoader()
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.Port = serveFlags.Port
	}

	logger := newLogger(cfg)
	loader.SetLogger(logger)
	m := metrics.NewMetrics(metricsNamespace)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Long-lived handles for the status API. Runs open their own.
	base, err := newStorage(ctx, cfg, logger, appOptions{metrics: m})
	if err != nil {
		return err
	}

	d := newDaemon(loader, logger, pipelineRunner(logger, m, serveFlags.Push))
	deps := api.Dependencies{
		Accounts: base.local,
		Trigger:  d,
		Policy:   base.policy,
		Metrics:  m,
		Logger:   logger,
	}
	if base.journal != nil {
		deps.History = base.journal
	}
	server := api.NewServer(cfg.Server, deps)
	server.OnShutdown(base)

	loader.SetOnChange(func(next *config.Config) {
		logger.Info("configuration changed",
			"interval", next.Server.Interval.String(),
			"accounts_file", next.Storage.LocalPath,
		)
	})

	logger.Info("starting daemon",
		"addr", cfg.Server.Addr(),
		"interval", cfg.Server.Interval.String(),
		"push", serveFlags.Push,
		"api_keys", api.MaskAPIKeys(cfg.Server.APIKeys),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		d.schedule(gctx, cfg.Server.Interval, serveFlags.InitialRun)
		return nil
	})
	g.Go(func() error {
		if err := loader.Watch(gctx); err != nil {
			logger.Warn("config watcher stopped", "error", err.Error())
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
