package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/credential"
	"github.com/hmtxj/gemini-cookie-refresh/internal/expiry"
	"github.com/hmtxj/gemini-cookie-refresh/internal/fleet"
	"github.com/hmtxj/gemini-cookie-refresh/internal/gateway"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/mailbox"
	"github.com/hmtxj/gemini-cookie-refresh/internal/metrics"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/hmtxj/gemini-cookie-refresh/internal/proxy"
	"github.com/hmtxj/gemini-cookie-refresh/internal/refresh"
	"github.com/hmtxj/gemini-cookie-refresh/internal/session"
	"github.com/hmtxj/gemini-cookie-refresh/internal/session/webdriver"
	"github.com/hmtxj/gemini-cookie-refresh/internal/store"
	"github.com/hmtxj/gemini-cookie-refresh/internal/telegram"
	"github.com/hmtxj/gemini-cookie-refresh/internal/transport"
	"github.com/hmtxj/gemini-cookie-refresh/internal/verification"
)

const metricsNamespace = "cookie_refresh"

// newLoader returns a config loader for the global flags.
func newLoader() *config.Loader {
	loader := config.NewLoader(globalFlags.Config)
	loader.SetEnvFile(globalFlags.EnvFile)
	return loader
}

// loadConfig loads the configuration named by the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := newLoader().Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr so command output
// on stdout stays machine readable.
func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(
		logging.WithOutput(os.Stderr),
		logging.WithLevel(level),
		logging.WithService(cfg.Log.Service),
		logging.WithRedaction(cfg.Log.Redact),
	)
}

// appOptions select how the collaborators of a run are wired.
type appOptions struct {
	push    bool
	metrics *metrics.Metrics
}

// app holds every collaborator of a refresh run.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	policy  expiry.Policy

	local      *store.LocalFile
	remote     store.RemoteStore
	reconciler *store.Reconciler
	journal    *store.Journal
	gateway    *gateway.Client
	proxy      proxy.Manager
	mailbox    *mailbox.Client
	webdriver  *webdriver.Client
	notifier   *telegram.Notifier
	runner     *fleet.Runner
}

// newStorage opens the persistence layer: the local file, the remote store,
// the journal and the gateway client. It is shared by every command that
// reads or writes the population.
func newStorage(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: opts.metrics,
		policy:  expiry.NewPolicy(cfg.Refresh.Threshold, cfg.Refresh.Location()),
		local:   store.NewLocalFile(cfg.Storage.LocalPath),
	}
	if a.metrics == nil {
		a.metrics = metrics.NewMetrics(metricsNamespace)
	}

	remote, err := store.NewRemote(ctx, cfg.Storage.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	a.remote = remote

	if cfg.Storage.JournalPath != "" {
		journal, err := store.NewJournal(cfg.Storage.JournalPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		journal.SetLogger(logger)
		a.journal = journal
	}

	reconcilerOpts := []store.ReconcilerOption{
		store.WithRemote(remote),
		store.WithPush(opts.push),
		store.WithLocation(cfg.Refresh.Location()),
		store.WithReconcilerLogger(logger),
		store.WithWriteObserver(a.metrics.RecordStoreWrite),
	}
	if cfg.Gateway.Enabled() {
		a.gateway = gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.AdminKey, &http.Client{Timeout: cfg.Gateway.Timeout})
		reconcilerOpts = append(reconcilerOpts, store.WithGateway(a.gateway))
	}
	a.reconciler = store.NewReconciler(a.local, reconcilerOpts...)
	return a, nil
}

// newApp wires the complete refresh pipeline on top of newStorage.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (*app, error) {
	a, err := newStorage(ctx, cfg, logger, opts)
	if err != nil {
		return nil, err
	}

	a.proxy = proxy.New(cfg.Proxy, logger)

	mailOpts := transport.Options{
		Timeout:            cfg.Mailbox.Timeout,
		InsecureSkipVerify: cfg.Mailbox.InsecureSkipVerify,
	}
	if cfg.Mailbox.UseProxy {
		mailOpts.ProxyURL = a.proxy.ProxyURL()
	}
	mailHTTP, err := transport.NewClient(mailOpts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build mailbox client: %w", err)
	}
	a.mailbox = mailbox.NewClient(cfg.Mailbox.BaseURL, mailHTTP)

	// Browser commands can take as long as a page load; the client itself
	// is bounded by the per-stage contexts.
	a.webdriver = webdriver.NewClient(cfg.Login.WebDriverURL, &http.Client{Timeout: cfg.Login.PageTimeout + time.Minute})
	driver := session.NewBrowserDriver(a.webdriver, browserOptions(cfg.Login, a.proxy.ProxyURL()))

	loc := cfg.Refresh.Location()
	creds := credential.NewExtractor(credential.Options{
		SessionIndexParam: cfg.Login.Credential.SessionIndexParam,
		TenantSegment:     cfg.Login.Credential.TenantSegment,
		PrimaryCookie:     cfg.Login.Credential.PrimaryCookie,
		SecondaryCookie:   cfg.Login.Credential.SecondaryCookie,
		ExpiryOffset:      cfg.Refresh.CookieExpiryOffset,
		DefaultValidity:   cfg.Refresh.DefaultValidity,
		Location:          loc,
	}, nil)

	orchestrator := refresh.NewOrchestrator(
		a.mailbox,
		driver,
		verification.NewExtractor(nil),
		creds,
		refresh.OptionsFromConfig(cfg.Refresh),
		refresh.WithLogger(logger),
		refresh.WithStageObserver(func(stage models.Stage, elapsed time.Duration) {
			a.metrics.RecordStage(string(stage), elapsed)
		}),
	)

	notifier, err := telegram.NewNotifier(cfg.Telegram, loc, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to start telegram notifier: %w", err)
	}
	a.notifier = notifier

	runnerOpts := []fleet.Option{
		fleet.WithProxy(a.proxy),
		fleet.WithNotifier(notifier),
		fleet.WithMetrics(a.metrics),
		fleet.WithLogger(logger),
	}
	if a.journal != nil {
		runnerOpts = append(runnerOpts, fleet.WithJournal(a.journal))
	}
	a.runner = fleet.NewRunner(orchestrator, a.reconciler, a.policy, cfg.Pacing, runnerOpts...)
	return a, nil
}

func browserOptions(cfg config.LoginConfig, proxyURL string) session.BrowserOptions {
	return session.BrowserOptions{
		LoginURL: cfg.LoginURL,
		Capabilities: webdriver.Capabilities{
			Args:     cfg.BrowserArgs,
			Headless: cfg.Headless,
			ProxyURL: proxyURL,
		},
		Selectors: session.Selectors{
			Email:          cfg.Selectors.Email,
			Continue:       cfg.Selectors.Continue,
			Code:           cfg.Selectors.Code,
			CodeSubmit:     cfg.Selectors.CodeSubmit,
			SkipButtonText: cfg.Selectors.SkipButtonText,
		},
		Markers: session.Markers{
			Rejection:  cfg.Markers.Rejection,
			InProgress: cfg.Markers.InProgress,
			Success:    cfg.Markers.Success,
			SuccessURL: cfg.Markers.SuccessURL,
		},
		PageTimeout: cfg.PageTimeout,
		SettleDelay: cfg.SettleDelay,
	}
}

// lastAttempts returns the newest journaled attempt per account, or nil.
func (a *app) lastAttempts(ctx context.Context) map[string]*models.Attempt {
	if a.journal == nil {
		return nil
	}
	last, err := a.journal.LastByAccount(ctx)
	if err != nil {
		a.logger.WarnWithContext(ctx, "failed to read attempt history", "error", err.Error())
		return nil
	}
	return last
}

// writeTextfile exports the metrics for the node-exporter textfile collector.
func (a *app) writeTextfile() {
	if !a.cfg.Metrics.Enabled || a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", a.cfg.Metrics.Textfile, "error", err.Error())
	}
}

// Close releases the journal and the remote store.
func (a *app) Close() error {
	var firstErr error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
