// Package daemon runs the background monitor process: single-instance PID
// file, component assembly, signal handling, and a restart guard around the
// cycle loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/cache"
	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/health"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/metrics"
	"github.com/muxfleet/muxfleet/internal/monitor"
	"github.com/muxfleet/muxfleet/internal/nats"
	"github.com/muxfleet/muxfleet/internal/notifications"
	"github.com/muxfleet/muxfleet/internal/notifications/external"
	"github.com/muxfleet/muxfleet/internal/persistence"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/ratelimit"
	"github.com/muxfleet/muxfleet/internal/recovery"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/roles"
	"github.com/muxfleet/muxfleet/internal/server"
	"github.com/muxfleet/muxfleet/internal/store"
	"github.com/muxfleet/muxfleet/internal/submit"
	"github.com/muxfleet/muxfleet/internal/target"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

// ErrInit marks failures before the loop ever ran. The run command maps it
// to ExitFatal so process managers can tell a broken config from a crash.
var ErrInit = errors.New("daemon init failed")

// ExitFatal is the process exit code for ErrInit.
const ExitFatal = 3

const (
	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second
)

// Daemon owns every long-lived component of the monitor process.
type Daemon struct {
	cfg     *config.Config
	version string
	log     *logging.Logger

	pidfile  *PIDFile
	broker   *nats.Server
	client   *nats.Client
	streams  *nats.Streams
	st       *store.Store
	pl       *pool.Pool
	reg      *registry.Registry
	provider *roles.Provider
	router   *notifications.Router
	rec      *recovery.Manager
	svc      *monitor.Service
	api      *server.Server
	bus      *events.Bus
}

// New holds cfg and log; nothing is built until Run.
func New(cfg *config.Config, version string, log *logging.Logger) *Daemon {
	if log == nil {
		log = logging.Nop()
	}
	return &Daemon{
		cfg:     cfg,
		version: version,
		log:     log.Component("daemon"),
	}
}

// Run claims the PID file, assembles the system, and drives the monitor
// loop until a signal or an HTTP shutdown request. Panics in the loop are
// logged and restarted with exponential backoff; init failures come back
// wrapped in ErrInit.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.init(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	defer d.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	if err := d.svc.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	d.log.Info("daemon ready",
		zap.Int("pid", os.Getpid()),
		zap.String("http", d.api.Addr()),
		zap.String("nats", d.broker.ClientURL()),
		zap.String("version", d.version))

	backoff := restartBackoffMin
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				d.reload()
				continue
			}
			d.log.Info("signal received, stopping", zap.String("signal", sig.String()))
			return d.stopLoop()

		case <-d.api.ShutdownRequested:
			d.log.Info("shutdown requested over http")
			return d.stopLoop()

		case <-d.svc.Done():
			err := d.svc.Err()
			if err == nil || ctx.Err() != nil {
				return nil
			}
			d.log.Error("monitor loop died, restarting",
				zap.Error(err), zap.Duration("backoff", backoff))
			if !d.pause(backoff, sigCh) {
				return nil
			}
			if err := d.svc.Start(ctx); err != nil {
				return fmt.Errorf("restart monitor: %w", err)
			}
			if backoff *= 2; backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
	}
}

// pause sleeps for the restart backoff, cutting it short on a stop signal.
// Returns false when the daemon should exit instead of restarting.
func (d *Daemon) pause(backoff time.Duration, sigCh <-chan os.Signal) bool {
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				d.reload()
				continue
			}
			d.log.Info("signal received during backoff, stopping", zap.String("signal", sig.String()))
			return false
		}
	}
}

func (d *Daemon) stopLoop() error {
	if err := d.svc.Stop(); err != nil {
		d.log.Warn("monitor stop", zap.Error(err))
		return err
	}
	return nil
}

// init builds the full component graph. Order matters: storage and broker
// first, then the driver pool, then everything that borrows from them.
func (d *Daemon) init() error {
	cfg := d.cfg
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	d.pidfile = NewPIDFile(cfg.PIDPath(), d.log)
	if err := d.pidfile.Acquire(os.Getpid()); err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath(), d.log)
	if err != nil {
		return err
	}
	d.st = st

	broker, err := nats.NewServer(nats.ServerConfig{
		Port:     cfg.NATS.Port,
		StoreDir: cfg.NATSStorePath(),
	}, d.log)
	if err != nil {
		return err
	}
	if err := broker.Start(); err != nil {
		return err
	}
	d.broker = broker

	client, err := nats.Connect(broker.ClientURL(), "muxfleet-daemon", d.log)
	if err != nil {
		return err
	}
	d.client = client
	d.streams = nats.NewStreams(client, d.log)
	if err := d.streams.Ensure(); err != nil {
		return err
	}
	d.bus = events.NewBus(nats.NewMirror(client, d.log))

	d.pl = pool.New(pool.Config{
		MinSize:            cfg.Pool.MinSize,
		MaxSize:            cfg.Pool.MaxSize,
		MaxAge:             cfg.Pool.MaxAge(),
		AcquisitionTimeout: cfg.Pool.AcquisitionTimeout(),
		SweepInterval:      cfg.Pool.SweepInterval(),
		Factory:            func() tmux.Driver { return tmux.NewCLIDriver(d.log) },
		Logger:             d.log,
	})

	fs := persistence.NewFileStore(cfg.StatePath(), d.log)
	state, err := fs.Load()
	if err != nil {
		return err
	}
	d.reg = registry.New(cfg.Monitor.IdleThresholdCycles, fs, d.log)
	d.reg.Restore(state)

	layered := cache.New(cfg.Cache, d.log)
	cls := classify.New(cfg.Agent.Command)
	checker := health.New(d.pl, layered, d.reg, cls, cfg.Monitor.MaxInFlight, 0, d.log)
	coord := ratelimit.NewCoordinator(d.log)
	detector := monitor.NewDetector(d.reg, coord, cfg.Monitor.IdleThresholdCycles, d.log)
	submitter := submit.New(d.pl, d.reg, d.log)

	d.provider = roles.NewProvider(cfg.RolesPath(), d.log)
	if err := d.provider.Watch(); err != nil {
		d.log.Warn("briefing overrides not watched", zap.Error(err))
	}

	channels := []notifications.Channel{
		notifications.NewLogChannel(d.log),
		notifications.NewAgentChannel(submitter, cfg.Submit.BaseDelay()),
	}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notifications.NewWebhookChannel(notifications.WebhookConfig{
			URL: cfg.Notify.WebhookURL,
		}))
	}
	if cfg.Notify.Slack.WebhookURL != "" {
		channels = append(channels, external.NewSlackChannel(external.SlackConfig{
			WebhookURL: cfg.Notify.Slack.WebhookURL,
			Channel:    cfg.Notify.Slack.Channel,
			Username:   cfg.Notify.Slack.Username,
			Filter:     external.Filter{MinPriority: cfg.Notify.Slack.MinPriority},
		}))
	}
	if cfg.Notify.Discord.WebhookURL != "" {
		channels = append(channels, external.NewDiscordChannel(external.DiscordConfig{
			WebhookURL: cfg.Notify.Discord.WebhookURL,
			Username:   cfg.Notify.Discord.Username,
			Filter:     external.Filter{MinPriority: cfg.Notify.Discord.MinPriority},
		}))
	}
	if cfg.Notify.Email.SMTPHost != "" {
		channels = append(channels, external.NewEmailChannel(external.EmailConfig{
			SMTPHost: cfg.Notify.Email.SMTPHost,
			SMTPPort: cfg.Notify.Email.SMTPPort,
			Username: cfg.Notify.Email.Username,
			Password: cfg.Notify.Email.Password,
			From:     cfg.Notify.Email.From,
			To:       cfg.Notify.Email.To,
			Filter:   external.Filter{MinPriority: cfg.Notify.Email.MinPriority},
		}))
	}
	d.router = notifications.NewRouter(cfg.Notify, st, d.log, channels...)

	d.rec = recovery.New(cfg.Recovery, recovery.Deps{
		Pool:       d.pl,
		Registry:   d.reg,
		Classifier: cls,
		Roles:      d.provider,
		Submitter:  submitter,
		Bus:        d.bus,
		Notifier:   d.router,
		Launch:     cfg.Agent.Command,
		DelayHint:  cfg.Submit.BaseDelay(),
		Log:        d.log,
	})

	collector := metrics.NewCollector()
	var recipient target.Target
	if cfg.Notify.Recipient != "" {
		recipient, err = target.Parse(cfg.Notify.Recipient)
		if err != nil {
			return fmt.Errorf("notify.recipient: %w", err)
		}
	}
	d.svc = monitor.New(cfg.Monitor, monitor.Deps{
		Pool:      d.pl,
		Cache:     layered,
		Registry:  d.reg,
		Strategy:  monitor.NewStrategy(cfg.Monitor.AsyncEnabled, checker),
		Detector:  detector,
		Coord:     coord,
		Bus:       d.bus,
		Router:    d.router,
		Recovery:  d.rec,
		Metrics:   collector,
		Recipient: recipient,
		Log:       d.log,
	})

	d.api = server.New(cfg.Daemon, server.Deps{
		Registry: d.reg,
		Monitor:  d.svc,
		Metrics:  collector,
		Alerts:   metrics.NewAlertEngine(metrics.DefaultThresholds()),
		Store:    st,
		Streams:  d.streams,
		Recovery: d.rec,
		Bus:      d.bus,
		Version:  d.version,
		NATSURL:  broker.ClientURL(),
	}, d.log)
	if err := d.api.Start(); err != nil {
		return err
	}
	return nil
}

// reload applies the SIGHUP contract: rescan briefing overrides and re-read
// the config for the toggles that can change without a restart.
func (d *Daemon) reload() {
	d.log.Info("reload requested")
	d.provider.Reload()

	cfg, err := config.Load()
	if err != nil {
		d.log.Warn("reload kept old config", zap.Error(err))
		return
	}
	if cfg.Recovery.Enabled != d.rec.Enabled() {
		if cfg.Recovery.Enabled {
			d.rec.Enable()
		} else {
			d.rec.Disable()
		}
		d.log.Info("auto-recovery toggled", zap.Bool("enabled", cfg.Recovery.Enabled))
	}
	d.cfg.Notify = cfg.Notify
	d.log.Info("reload complete")
}

// shutdown tears the graph down in reverse of init. Every step is best
// effort; errors are logged, not returned.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.api != nil {
		if err := d.api.Shutdown(ctx); err != nil {
			d.log.Warn("api shutdown", zap.Error(err))
		}
	}
	if d.router != nil {
		d.router.Close()
	}
	if d.provider != nil {
		_ = d.provider.Close()
	}
	if d.client != nil {
		d.client.Close()
	}
	if d.broker != nil {
		d.broker.Shutdown()
	}
	if d.pl != nil {
		d.pl.Close()
	}
	if d.st != nil {
		if err := d.st.Close(); err != nil {
			d.log.Warn("store close", zap.Error(err))
		}
	}
	if d.pidfile != nil {
		if err := d.pidfile.Release(); err != nil {
			d.log.Warn("pid file release", zap.Error(err))
		}
	}
	d.log.Info("daemon stopped")
	_ = d.log.Sync()
}
