// Package cli assembles the muxfleet command tree. Every operation runs
// through the same cobra path whether typed in a shell or dispatched by the
// tool bridge; the persistent --json flag switches output to the response
// envelope so both callers see identical results.
package cli

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/fleet"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/persistence"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/recovery"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/roles"
	"github.com/muxfleet/muxfleet/internal/store"
	"github.com/muxfleet/muxfleet/internal/submit"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

// App is the service container behind the command tree. Components are
// built on first use so cheap commands stay cheap. One App serves many
// invocations when the bridge server hosts the tree, so every getter is
// safe for concurrent use.
type App struct {
	Version string

	// persistent flag values, bound by NewRoot.
	configDir string
	jsonMode  bool
	verbose   bool

	mu       sync.Mutex
	cfg      *config.Config
	log      *logging.Logger
	pl       *pool.Pool
	fs       *persistence.FileStore
	reg      *registry.Registry
	st       *store.Store
	provider *roles.Provider
	sub      *submit.Submitter
	cls      *classify.Classifier
	mgr      *fleet.Manager
	rec      *recovery.Manager
	api      *client
}

// NewApp returns an empty container for one CLI process or one bridge
// server.
func NewApp(version string) *App {
	return &App{Version: version}
}

// Config loads and memoizes the configuration, creating the base path
// directory tree on first load.
func (a *App) Config() (*config.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.configLocked()
}

func (a *App) configLocked() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.LoadWithPath(a.configDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// Logger returns the CLI logger: console lines on stderr so stdout stays
// machine-readable, warn level unless --verbose.
func (a *App) Logger() *logging.Logger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loggerLocked()
}

func (a *App) loggerLocked() *logging.Logger {
	if a.log != nil {
		return a.log
	}
	level := "warn"
	if a.verbose {
		level = "debug"
	}
	l, err := logging.New(logging.Config{Level: level, Format: "console", Stderr: true})
	if err != nil {
		l = logging.Nop()
	}
	a.log = l
	return l
}

// Pool returns the shared driver pool.
func (a *App) Pool() (*pool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.poolLocked()
}

func (a *App) poolLocked() (*pool.Pool, error) {
	if a.pl != nil {
		return a.pl, nil
	}
	cfg, err := a.configLocked()
	if err != nil {
		return nil, err
	}
	log := a.loggerLocked()
	a.pl = pool.New(pool.Config{
		MinSize:            cfg.Pool.MinSize,
		MaxSize:            cfg.Pool.MaxSize,
		MaxAge:             cfg.Pool.MaxAge(),
		AcquisitionTimeout: cfg.Pool.AcquisitionTimeout(),
		SweepInterval:      cfg.Pool.SweepInterval(),
		Factory:            func() tmux.Driver { return tmux.NewCLIDriver(log) },
		Logger:             log,
	})
	return a.pl, nil
}

// Registry returns the agent registry restored from the persisted
// snapshot. Mutations flow back through the same snapshot file; the
// daemon reconciles them against tmux on its next discovery pass.
func (a *App) Registry() (*registry.Registry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registryLocked()
}

func (a *App) registryLocked() (*registry.Registry, error) {
	if a.reg != nil {
		return a.reg, nil
	}
	cfg, err := a.configLocked()
	if err != nil {
		return nil, err
	}
	log := a.loggerLocked()
	a.fs = persistence.NewFileStore(cfg.StatePath(), log)
	state, err := a.fs.Load()
	if err != nil {
		log.Warn("state snapshot unreadable, starting empty", zap.Error(err))
	}
	a.reg = registry.New(cfg.Monitor.IdleThresholdCycles, a.fs, log)
	a.reg.Restore(state)
	return a.reg, nil
}

// Store returns the SQLite store for tasks, errors, and notification
// history.
func (a *App) Store() (*store.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.storeLocked()
}

func (a *App) storeLocked() (*store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	cfg, err := a.configLocked()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath(), a.loggerLocked())
	if err != nil {
		return nil, err
	}
	a.st = st
	return st, nil
}

// Roles returns the briefing provider. The CLI reads briefings once per
// command, so no watcher is started.
func (a *App) Roles() (*roles.Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rolesLocked()
}

func (a *App) rolesLocked() (*roles.Provider, error) {
	if a.provider != nil {
		return a.provider, nil
	}
	cfg, err := a.configLocked()
	if err != nil {
		return nil, err
	}
	a.provider = roles.NewProvider(cfg.RolesPath(), a.loggerLocked())
	return a.provider, nil
}

// Submitter returns the message submitter.
func (a *App) Submitter() (*submit.Submitter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitterLocked()
}

func (a *App) submitterLocked() (*submit.Submitter, error) {
	if a.sub != nil {
		return a.sub, nil
	}
	pl, err := a.poolLocked()
	if err != nil {
		return nil, err
	}
	reg, err := a.registryLocked()
	if err != nil {
		return nil, err
	}
	a.sub = submit.New(pl, reg, a.loggerLocked())
	return a.sub, nil
}

// Classifier returns the pane classifier tuned to the configured REPL
// command.
func (a *App) Classifier() (*classify.Classifier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.classifierLocked()
}

func (a *App) classifierLocked() (*classify.Classifier, error) {
	if a.cls != nil {
		return a.cls, nil
	}
	cfg, err := a.configLocked()
	if err != nil {
		return nil, err
	}
	a.cls = classify.New(cfg.Agent.Command)
	return a.cls, nil
}

// Fleet returns the spawn/kill/broadcast manager.
func (a *App) Fleet() (*fleet.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fleetLocked()
}

func (a *App) fleetLocked() (*fleet.Manager, error) {
	if a.mgr != nil {
		return a.mgr, nil
	}
	cfg, err := a.configLocked()
	if err != nil {
		return nil, err
	}
	pl, err := a.poolLocked()
	if err != nil {
		return nil, err
	}
	reg, err := a.registryLocked()
	if err != nil {
		return nil, err
	}
	cls, err := a.classifierLocked()
	if err != nil {
		return nil, err
	}
	provider, err := a.rolesLocked()
	if err != nil {
		return nil, err
	}
	sub, err := a.submitterLocked()
	if err != nil {
		return nil, err
	}
	a.mgr = fleet.New(cfg.Recovery, fleet.Deps{
		Pool:       pl,
		Registry:   reg,
		Classifier: cls,
		Roles:      provider,
		Submitter:  sub,
		Launch:     cfg.Agent.Command,
		DelayHint:  cfg.Submit.BaseDelay(),
		Log:        a.loggerLocked().Component("fleet"),
	})
	return a.mgr, nil
}

// Recovery returns an in-process recovery manager for probes and explicit
// recoveries. The daemon runs its own; toggling the live one goes through
// the HTTP API.
func (a *App) Recovery() (*recovery.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rec != nil {
		return a.rec, nil
	}
	cfg, err := a.configLocked()
	if err != nil {
		return nil, err
	}
	pl, err := a.poolLocked()
	if err != nil {
		return nil, err
	}
	reg, err := a.registryLocked()
	if err != nil {
		return nil, err
	}
	cls, err := a.classifierLocked()
	if err != nil {
		return nil, err
	}
	provider, err := a.rolesLocked()
	if err != nil {
		return nil, err
	}
	sub, err := a.submitterLocked()
	if err != nil {
		return nil, err
	}
	a.rec = recovery.New(cfg.Recovery, recovery.Deps{
		Pool:       pl,
		Registry:   reg,
		Classifier: cls,
		Roles:      provider,
		Submitter:  sub,
		Launch:     cfg.Agent.Command,
		DelayHint:  cfg.Submit.BaseDelay(),
		Log:        a.loggerLocked().Component("recovery"),
	})
	return a.rec, nil
}

// Daemon returns the HTTP client for the background daemon.
func (a *App) Daemon() (*client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.daemonLocked()
}

func (a *App) daemonLocked() (*client, error) {
	if a.api != nil {
		return a.api, nil
	}
	cfg, err := a.configLocked()
	if err != nil {
		return nil, err
	}
	a.api = newClient(cfg.Daemon.HTTPAddr)
	return a.api, nil
}

// AppendError satisfies the bridge error log by writing through the store.
func (a *App) AppendError(component, kind, message, target string) error {
	st, err := a.Store()
	if err != nil {
		return err
	}
	return st.AppendError(component, kind, message, target)
}

// SnapshotAgents returns the fleet view: live from the daemon when it
// answers, the persisted registry otherwise. The bool reports which.
func (a *App) SnapshotAgents(ctx context.Context) ([]registry.AgentRecord, bool, error) {
	if api, err := a.Daemon(); err == nil {
		var recs []registry.AgentRecord
		if err := api.get(ctx, "/api/agents", &recs); err == nil {
			return recs, true, nil
		} else if !errors.Is(err, errDaemonDown) {
			a.Logger().Debug("agent list over api failed", zap.Error(err))
		}
	}
	reg, err := a.Registry()
	if err != nil {
		return nil, false, err
	}
	return reg.SnapshotAll(), false, nil
}

// Close flushes the registry snapshot and releases every open component.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fs != nil {
		if err := a.fs.Flush(); err != nil {
			a.loggerLocked().Warn("state flush failed", zap.Error(err))
		}
	}
	if a.provider != nil {
		a.provider.Close()
	}
	if a.pl != nil {
		a.pl.Close()
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.loggerLocked().Warn("store close failed", zap.Error(err))
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}
