// Package daemon wires the long-running master process: event bus, build
// request database, obsolete build canceller, change source polling, config
// watching and the admin HTTP surface.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildmaster/internal/bus"
	"git.home.luguber.info/inful/buildmaster/internal/canceller"
	"git.home.luguber.info/inful/buildmaster/internal/changesource"
	"git.home.luguber.info/inful/buildmaster/internal/config"
	"git.home.luguber.info/inful/buildmaster/internal/data"
	"git.home.luguber.info/inful/buildmaster/internal/errors"
	"git.home.luguber.info/inful/buildmaster/internal/metrics"
	"git.home.luguber.info/inful/buildmaster/internal/retry"
	"git.home.luguber.info/inful/buildmaster/internal/services"
)

// Daemon owns every component of the running master and their lifecycle.
type Daemon struct {
	configPath string

	mu  sync.RWMutex
	cfg *config.Config

	eventBus     bus.Bus
	store        *data.SQLiteStore
	registry     *prom.Registry
	recorder     *metrics.PrometheusRecorder
	canceller    *canceller.Canceller
	scheduler    *Scheduler
	adminServer  *AdminServer
	watcher      *ConfigWatcher
	orchestrator *services.ServiceOrchestrator
}

// New builds a daemon from configuration. Components are constructed but not
// started; Run drives the lifecycle.
func New(configPath string, cfg *config.Config) (*Daemon, error) {
	d := &Daemon{
		configPath: configPath,
		cfg:        cfg,
		registry:   prom.NewRegistry(),
	}
	d.recorder = metrics.NewPrometheusRecorder(d.registry)

	store, err := data.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	d.store = store

	// The bus is usually a separate process; give it a moment to come up.
	var eventBus *bus.NATSBus
	err = retry.Do(context.Background(), retry.NewPolicy(retry.BackoffLinear, time.Second, 10*time.Second, 5), func() error {
		var cerr error
		eventBus, cerr = bus.ConnectNATS(cfg.Bus.URL, cfg.Bus.Name)
		if cerr != nil {
			slog.Warn("Bus connection failed, retrying", "url", cfg.Bus.URL, "error", cerr)
		}
		return cerr
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	d.eventBus = eventBus

	if err := d.assemble(); err != nil {
		eventBus.Close()
		store.Close()
		return nil, err
	}
	return d, nil
}

// NewWithBus builds a daemon on top of a caller-supplied bus and store, used
// by tests and single-process setups.
func NewWithBus(configPath string, cfg *config.Config, eventBus bus.Bus, store *data.SQLiteStore) (*Daemon, error) {
	d := &Daemon{
		configPath: configPath,
		cfg:        cfg,
		registry:   prom.NewRegistry(),
		eventBus:   eventBus,
		store:      store,
	}
	d.recorder = metrics.NewPrometheusRecorder(d.registry)
	if err := d.assemble(); err != nil {
		return nil, err
	}
	return d, nil
}

// assemble constructs the managed services and registers them with the
// orchestrator in dependency order.
func (d *Daemon) assemble() error {
	cfg := d.cfg

	c, err := canceller.New(d.eventBus, d.store, cfg.Canceller.Filters, canceller.Options{
		Recorder: d.recorder,
	})
	if err != nil {
		return err
	}
	d.canceller = c

	scheduler, err := NewScheduler()
	if err != nil {
		return err
	}
	d.scheduler = scheduler
	for _, source := range cfg.ChangeSources {
		poller := changesource.NewPoller(source, d.eventBus, nil, d.recorder)
		if err := scheduler.RegisterPoller(poller); err != nil {
			return err
		}
	}
	scheduler.RegisterStatsLogger(cfg.Daemon.StatsLogInterval(), d.logStats)

	d.orchestrator = services.NewServiceOrchestrator()
	if err := d.orchestrator.RegisterService(d.canceller); err != nil {
		return err
	}
	if err := d.orchestrator.RegisterService(d.scheduler); err != nil {
		return err
	}

	if cfg.Daemon.AdminAddr != "" {
		d.adminServer = NewAdminServer(cfg.Daemon.AdminAddr, d)
		if err := d.orchestrator.RegisterService(d.adminServer); err != nil {
			return err
		}
	}

	if cfg.Daemon.WatchConfig && d.configPath != "" {
		watcher, err := NewConfigWatcher(d.configPath, d)
		if err != nil {
			return err
		}
		d.watcher = watcher
		if err := d.orchestrator.RegisterService(watcher); err != nil {
			return err
		}
	}

	return nil
}

// Run starts all services and blocks until ctx is cancelled, then shuts the
// services down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.orchestrator.StartAll(ctx); err != nil {
		return errors.DaemonError("daemon startup failed").WithCause(err)
	}

	slog.Info("Daemon running", "admin_addr", d.cfg.Daemon.AdminAddr)
	<-ctx.Done()

	return d.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown stops all services and closes the bus and store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	err := d.orchestrator.StopAll(ctx)
	if d.eventBus != nil {
		if cerr := d.eventBus.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if d.store != nil {
		if cerr := d.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Config returns the currently active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// ReloadConfig applies a validated new configuration. Only the canceller
// filter set is hot-swappable; bus, database and change source changes need
// a restart and are reported, not applied.
func (d *Daemon) ReloadConfig(_ context.Context, newCfg *config.Config) error {
	if err := d.canceller.Reconfigure(newCfg.Canceller.Filters); err != nil {
		return err
	}

	d.mu.Lock()
	old := d.cfg
	d.cfg = newCfg
	d.mu.Unlock()

	if old.Bus != newCfg.Bus {
		slog.Warn("Bus configuration changed, restart required to apply")
	}
	if old.Database != newCfg.Database {
		slog.Warn("Database configuration changed, restart required to apply")
	}
	if len(old.ChangeSources) != len(newCfg.ChangeSources) {
		slog.Warn("Change source configuration changed, restart required to apply")
	}

	slog.Info("Configuration reloaded", "filters", len(newCfg.Canceller.Filters))
	return nil
}

// Canceller exposes the canceller for admin introspection.
func (d *Daemon) Canceller() *canceller.Canceller { return d.canceller }

// Orchestrator exposes service status for the admin surface.
func (d *Daemon) Orchestrator() *services.ServiceOrchestrator { return d.orchestrator }

// Registry exposes the prometheus registry backing /metrics.
func (d *Daemon) Registry() *prom.Registry { return d.registry }

func (d *Daemon) logStats() {
	slog.Info("Canceller stats", "tracked_buildrequests", d.canceller.TrackedCount())
}
