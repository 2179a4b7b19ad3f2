// Package daemon assembles the store, the convergence engine and the HTTP
// surfaces into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/oklog/run"

	"github.com/yairfalse/anchor/internal/api"
	"github.com/yairfalse/anchor/internal/config"
	"github.com/yairfalse/anchor/internal/dynconfig"
	"github.com/yairfalse/anchor/internal/notifier"
	"github.com/yairfalse/anchor/internal/plugin"
	"github.com/yairfalse/anchor/internal/plugin/aws"
	"github.com/yairfalse/anchor/internal/telemetry"
	"github.com/yairfalse/anchor/orchestrator"
	"github.com/yairfalse/anchor/pkg/resource"
	"github.com/yairfalse/anchor/reconciler"
	"github.com/yairfalse/anchor/storage"
	"github.com/yairfalse/anchor/veto"
	"github.com/yairfalse/anchor/wal"
)

const shutdownTimeout = 10 * time.Second

// Deps overrides collaborators that are otherwise built from the config.
type Deps struct {
	// Handlers replaces the AWS handlers.
	Handlers []plugin.Handler
	// Flags replaces the configured dynamic configuration source.
	Flags dynconfig.Service
	// Notifier replaces the configured notifier.
	Notifier notifier.Notifier
	// Orchestrator is used by the AWS handlers instead of the HTTP client.
	Orchestrator orchestrator.Client
	// MetricsHandler is served on /metrics.
	MetricsHandler http.Handler
}

// Daemon runs convergence until its context is cancelled.
type Daemon struct {
	cfg *config.Config

	store      *storage.MVCCStore
	audit      *wal.WAL
	registry   *plugin.Registry
	gate       *veto.Aggregator
	controller *reconciler.Controller
	sweeper    *reconciler.Sweeper
	notifier   notifier.Notifier
	flags      dynconfig.Service
	api        *api.Server

	apiListener     net.Listener
	metricsListener net.Listener
	metricsHandler  http.Handler

	unsubscribe func()
	metrics     *DaemonMetrics
	startTime   time.Time
	logger      *telemetry.Logger
}

// New opens the store and audit log and wires the engine. Listeners are
// bound here so address conflicts fail before anything runs.
func New(ctx context.Context, cfg *config.Config, deps Deps) (_ *Daemon, err error) {
	d := &Daemon{
		cfg:            cfg,
		registry:       plugin.NewRegistry(),
		metricsHandler: deps.MetricsHandler,
		startTime:      time.Now(),
		logger:         telemetry.NewLogger("daemon"),
	}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.metrics, err = NewDaemonMetrics(); err != nil {
		return nil, fmt.Errorf("daemon metrics: %w", err)
	}
	engineMetrics, err := reconciler.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}

	if d.store, err = storage.Open(cfg.Storage.Dir); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if d.audit, err = wal.Open(cfg.WAL.Dir); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	handlers := deps.Handlers
	if handlers == nil {
		if handlers, err = awsHandlers(cfg, deps.Orchestrator); err != nil {
			return nil, err
		}
	}
	for _, h := range handlers {
		d.registry.Register(h)
	}

	d.flags = deps.Flags
	if d.flags == nil {
		if d.flags, err = newFlags(cfg.DynConfig); err != nil {
			return nil, err
		}
	}

	if d.gate, err = newGate(ctx, cfg.Veto, d.flags); err != nil {
		return nil, err
	}

	driver := reconciler.NewDriver(reconciler.DriverConfig{
		Gate:           d.gate,
		Handlers:       d.registry,
		Audit:          d.audit,
		Metrics:        engineMetrics,
		AttemptTimeout: cfg.Engine.AttemptTimeout,
	})
	d.controller = reconciler.NewController(driver, reconciler.ControllerConfig{
		Workers:    cfg.Engine.Workers,
		MaxRetries: cfg.Engine.MaxRetries,
		Tombstones: d.store,
		Metrics:    engineMetrics,
	})
	d.sweeper = reconciler.NewSweeper(d.store, d.controller, cfg.Engine.SweepInterval, engineMetrics)

	d.notifier = deps.Notifier
	if d.notifier == nil {
		if d.notifier, err = newNotifier(cfg.Notifier); err != nil {
			return nil, err
		}
	}
	d.unsubscribe = d.notifier.Subscribe(d.onEvent)

	d.api = api.NewServer(api.Config{
		Store:    d.store,
		Notifier: d.notifier,
		Handlers: d.registry,
		Metrics:  deps.MetricsHandler,
	})

	if d.apiListener, err = net.Listen("tcp", cfg.Server.Listen); err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	if deps.MetricsHandler != nil && cfg.Server.MetricsListen != "" && cfg.Server.MetricsListen != cfg.Server.Listen {
		if d.metricsListener, err = net.Listen("tcp", cfg.Server.MetricsListen); err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Server.MetricsListen, err)
		}
	}

	d.logger.Info().
		Strs("kinds", d.registry.Kinds()).
		Strs("veto_plugins", d.gate.Names()).
		Str("listen", d.apiListener.Addr().String()).
		Msg("daemon initialised")

	return d, nil
}

func awsHandlers(cfg *config.Config, client orchestrator.Client) ([]plugin.Handler, error) {
	if client == nil {
		c, err := orchestrator.NewHTTPClient(orchestrator.Config{
			BaseURL:   cfg.Orchestrator.BaseURL,
			Timeout:   cfg.Orchestrator.Timeout,
			RateLimit: cfg.Orchestrator.RateLimit,
			Burst:     cfg.Orchestrator.Burst,
		})
		if err != nil {
			return nil, err
		}
		client = c
	}

	list := make([]aws.Account, 0, len(cfg.AWS.Accounts))
	for _, a := range cfg.AWS.Accounts {
		list = append(list, aws.Account{Name: a.Name, ID: a.ID, Profile: a.Profile})
	}
	accounts := aws.NewAccounts(list)
	clients := aws.NewClients(accounts)

	sg := aws.NewSecurityGroupHandler(aws.HandlerConfig{
		Clients:      clients,
		Network:      aws.NewNetwork(clients, cfg.AWS.VpcCacheTTL),
		Accounts:     accounts,
		Orchestrator: client,
		User:         cfg.Orchestrator.User,
	})
	return []plugin.Handler{plugin.For[aws.SecurityGroup](aws.SecurityGroupKind, sg)}, nil
}

func newFlags(cfg config.DynConfigConfig) (dynconfig.Service, error) {
	if cfg.Source == config.DynConfigLaunchDarkly {
		ld, err := dynconfig.NewLaunchDarkly(dynconfig.LaunchDarklyConfig{
			SDKKey:     cfg.SDKKey,
			ContextKey: cfg.ContextKey,
		})
		if err != nil {
			return nil, err
		}
		return ld, nil
	}

	file, err := dynconfig.NewFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	return file, nil
}

func newGate(ctx context.Context, cfg config.VetoConfig, flags dynconfig.Service) (*veto.Aggregator, error) {
	gate := veto.NewAggregator(veto.NewFlagPlugin(flags, cfg.FlagKey))
	if cfg.PolicyDir != "" {
		policies, err := veto.LoadRegoPlugin(ctx, cfg.PolicyDir)
		if err != nil {
			return nil, fmt.Errorf("load veto policies: %w", err)
		}
		gate.Register(policies)
	}
	return gate, nil
}

func newNotifier(cfg config.NotifierConfig) (notifier.Notifier, error) {
	if cfg.Type == config.NotifierNATS {
		n, err := notifier.NewNATS(notifier.NATSConfig{URL: cfg.URL, SubjectPrefix: cfg.SubjectPrefix})
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return notifier.NewMemory(), nil
}

func (d *Daemon) onEvent(ev resource.Event) {
	d.metrics.RecordChangeEvent(context.Background(), string(ev.Type), ev.Resource.Kind)
	d.controller.Enqueue(ev)
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		return d.controller.Run(ctx)
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		return d.sweeper.Run(ctx)
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		d.maintain(ctx)
		return nil
	}, func(error) {
		cancel()
	})

	if watcher, ok := d.flags.(*dynconfig.File); ok {
		g.Add(func() error {
			return watcher.Watch(ctx)
		}, func(error) {
			cancel()
		})
	}

	addServer(&g, "api", d.apiListener, d.api.Handler(), d.logger)
	if d.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", d.metricsHandler)
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("ok"))
		})
		addServer(&g, "metrics", d.metricsListener, mux, d.logger)
	}

	d.logger.Info().Msg("daemon started")
	err := g.Run()
	d.logger.Info().Err(err).Msg("daemon stopped")
	return err
}

func addServer(g *run.Group, name string, l net.Listener, h http.Handler, logger *telemetry.Logger) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	g.Add(func() error {
		logger.Info().Str("server", name).Str("addr", l.Addr().String()).Msg("serving")
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

// maintain compacts the store and prunes the audit log on the compaction
// interval.
func (d *Daemon) maintain(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Storage.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Maintain(ctx); err != nil {
				d.logger.Error().Err(err).Msg("maintenance failed")
			}
		}
	}
}

// Maintain runs one compaction and audit log cleanup.
func (d *Daemon) Maintain(ctx context.Context) error {
	start := time.Now()
	var errs []error

	removed, err := d.store.Compact(d.cfg.Storage.KeepRevisions)
	if err != nil {
		d.metrics.RecordStorageOperation(ctx, "compact", "error", "store")
		errs = append(errs, fmt.Errorf("compact store: %w", err))
	} else {
		d.metrics.RecordStorageOperation(ctx, "compact", "success", "")
	}

	stats, err := wal.Cleanup(d.audit.Dir(), d.cfg.WAL.Retention(), d.audit)
	if err != nil {
		d.metrics.RecordStorageOperation(ctx, "wal_cleanup", "error", "io")
		errs = append(errs, fmt.Errorf("clean audit log: %w", err))
	} else {
		d.metrics.RecordStorageOperation(ctx, "wal_cleanup", "success", "")
	}

	count, _, _ := d.store.Stats()
	d.metrics.RecordResourcesStored(ctx, count)

	status := "success"
	if len(errs) > 0 {
		status = "error"
	}
	d.metrics.RecordMaintenance(ctx, status, time.Since(start).Seconds())

	d.logger.Debug().
		Int("revisions_removed", removed).
		Int("wal_files_removed", stats.FilesRemoved).
		Int("resources", count).
		Msg("maintenance finished")

	return errors.Join(errs...)
}

// Handler returns the API handler.
func (d *Daemon) Handler() http.Handler {
	return d.api.Handler()
}

// Addr returns the address the API listens on.
func (d *Daemon) Addr() string {
	return d.apiListener.Addr().String()
}

// MetricsAddr returns the address of the metrics listener, or "" when
// metrics are served by the API listener.
func (d *Daemon) MetricsAddr() string {
	if d.metricsListener == nil {
		return ""
	}
	return d.metricsListener.Addr().String()
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	count, rev, _ := d.store.Stats()
	return HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(d.startTime).Seconds()),
		Resources: count,
		Revision:  rev,
		Kinds:     d.registry.Kinds(),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string
	Uptime    int64
	Resources int
	Revision  int64
	Kinds     []string
}

// Close releases everything New opened. It is safe after a failed New.
func (d *Daemon) Close() error {
	var errs []error

	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	if d.notifier != nil {
		errs = append(errs, d.notifier.Close())
	}
	if closer, ok := d.flags.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	for _, l := range []net.Listener{d.apiListener, d.metricsListener} {
		if l != nil {
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	if d.audit != nil {
		errs = append(errs, d.audit.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}
