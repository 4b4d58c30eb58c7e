package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/marzan3698/omni-sub004/internal/assign"
	"github.com/marzan3698/omni-sub004/internal/bridge"
	"github.com/marzan3698/omni-sub004/internal/config"
	"github.com/marzan3698/omni-sub004/internal/eventbus"
	"github.com/marzan3698/omni-sub004/internal/logging"
	"github.com/marzan3698/omni-sub004/internal/media"
	"github.com/marzan3698/omni-sub004/internal/metrics"
	"github.com/marzan3698/omni-sub004/internal/session"
	"github.com/marzan3698/omni-sub004/internal/statedb"
	"github.com/marzan3698/omni-sub004/internal/web"
)

const (
	heartbeatInterval = 10 * time.Second
	primaryTimeout    = 30 * time.Second
	shutdownTimeout   = 10 * time.Second

	// PushSubscriptionsFileName holds browser push subscriptions in the home dir.
	PushSubscriptionsFileName = "web_push_subscriptions.json"
)

// serveOptions are command-line overrides applied on top of config.toml.
type serveOptions struct {
	ConfigPath string
	Listen     string
	Token      string
	ReadOnly   bool
	LogStderr  bool
}

func handleServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var opts serveOptions
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to config.toml (default $OMNID_HOME/config.toml)")
	fs.StringVar(&opts.Listen, "listen", "", "Listen address (overrides server.listen)")
	fs.StringVar(&opts.Token, "token", "", "Bearer token for API/WS access (overrides server.token)")
	fs.BoolVar(&opts.ReadOnly, "read-only", false, "Reject connect, disconnect and send requests")
	fs.BoolVar(&opts.LogStderr, "log-stderr", false, "Mirror structured logs to stderr")
	fs.Usage = func() {
		fmt.Println("Usage: omnid serve [options]")
		fmt.Println()
		fmt.Println("Run the session daemon: restores active slots and serves the HTTP API.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg, path, err := loadServeConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	opts.ConfigPath = path

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, opts)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func loadServeConfig(path string) (*config.Config, string, error) {
	if path == "" {
		p, err := config.GetConfigPath()
		if err != nil {
			return nil, "", err
		}
		cfg, err := config.Load()
		return cfg, p, err
	}
	cfg, err := config.LoadFile(path)
	return cfg, path, err
}

// daemon owns every long-lived component of a serve run.
type daemon struct {
	cfg  *config.Config
	opts serveOptions
	home string
	log  *slog.Logger

	db       *statedb.StateDB
	bus      *eventbus.Bus
	assigner *assign.Assigner
	manager  *session.Manager
	server   *web.Server
	watcher  *config.Watcher
}

func newDaemon(cfg *config.Config, opts serveOptions) (*daemon, error) {
	home, err := config.GetHomeDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	logDir, err := cfg.LogDir()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		LogDir:       logDir,
		Level:        cfg.Logs.Level,
		Format:       cfg.Logs.Format,
		MaxSizeMB:    cfg.Logs.MaxSizeMB,
		MaxBackups:   cfg.Logs.MaxBackups,
		MaxAgeDays:   cfg.Logs.MaxAgeDays,
		Compress:     cfg.Logs.Compress,
		Stderr:       opts.LogStderr,
		PprofEnabled: cfg.Logs.Pprof,
	})

	d := &daemon{
		cfg:  cfg,
		opts: opts,
		home: home,
		log:  logging.ForComponent(logging.CompSession),
	}
	if err := d.build(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build() error {
	cfg := d.cfg

	dbPath, err := cfg.DBPath()
	if err != nil {
		return err
	}
	d.db, err = statedb.Open(dbPath)
	if err != nil {
		return err
	}
	if err := d.db.Migrate(); err != nil {
		return err
	}
	if err := d.db.RegisterDaemon(); err != nil {
		return fmt.Errorf("register daemon: %w", err)
	}
	_ = d.db.CleanDeadDaemons(primaryTimeout)
	primary, err := d.db.ElectPrimary(primaryTimeout)
	if err != nil {
		return err
	}
	if !primary {
		return fmt.Errorf("another omnid daemon owns %s", dbPath)
	}

	mediaDir, err := cfg.MediaDir()
	if err != nil {
		return err
	}
	sessionsDir, err := cfg.SessionsDir()
	if err != nil {
		return err
	}

	var recorder metrics.Recorder = metrics.Nop{}
	webCfg := web.Config{
		ListenAddr: firstNonEmpty(d.opts.Listen, cfg.Server.GetListen()),
		ReadOnly:   d.opts.ReadOnly || cfg.Server.ReadOnly,
		Token:      firstNonEmpty(d.opts.Token, cfg.Server.Token),
	}
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheusRecorder()
		recorder = prom
		webCfg.Metrics = prom.Handler()
	}
	if cfg.Push.Enabled {
		if err := d.configurePush(&webCfg); err != nil {
			return err
		}
	}

	if cfg.Bridge.Command == "" {
		d.log.Warn("bridge_command_missing",
			slog.String("hint", "set [bridge] command in config.toml; connects will fail until then"))
	}
	factory := bridge.NewFactory(bridge.Settings{
		Command:        cfg.Bridge.Command,
		Args:           cfg.Bridge.Args,
		Env:            cfg.Bridge.Env,
		RequestTimeout: cfg.Bridge.RequestTimeout(),
	})

	d.bus = eventbus.New()
	d.assigner = assign.New(d.db, d.bus)
	d.manager = session.NewManager(session.ManagerOptions{
		Platform:       cfg.GetPlatform(),
		SessionsDir:    sessionsDir,
		PairingTimeout: cfg.Pairing.PairingTimeout(),
		NameTTL:        cfg.Ingest.DisplayNameTTL(),
		RatePerSecond:  cfg.Send.GetRate(),
		Burst:          cfg.Send.GetBurst(),
		Factory:        factory,
		Store:          d.db,
		Media:          media.NewStore(mediaDir),
		Assigner:       d.assigner,
		Publisher:      d.bus,
		Recorder:       recorder,
	})
	d.server = web.NewServer(webCfg, d.manager, d.bus)
	return nil
}

func (d *daemon) configurePush(webCfg *web.Config) error {
	pub, priv, generated, err := web.EnsurePushVAPIDKeys(
		filepath.Join(d.home, web.VAPIDKeysFileName), d.cfg.Push.VAPIDSubject)
	if err != nil {
		return fmt.Errorf("prepare web push keys: %w", err)
	}
	d.log.Info("push_keys_ready", slog.Bool("generated", generated))
	webCfg.PushVAPIDPublicKey = pub
	webCfg.PushVAPIDPrivateKey = priv
	webCfg.PushVAPIDSubject = d.cfg.Push.VAPIDSubject
	webCfg.PushStorePath = filepath.Join(d.home, PushSubscriptionsFileName)
	return nil
}

// run restores persisted slots, serves the API and blocks until ctx ends
// or the server fails.
func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	d.startWatcher()
	go d.heartbeat(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Start() }()

	sum, err := d.manager.RestoreActiveSessions(ctx)
	if err != nil {
		d.log.Error("restore_failed", slog.String("error", err.Error()))
	} else {
		d.log.Info("restore_complete",
			slog.Int("found", sum.Found),
			slog.Int("started", sum.Started),
			slog.Int("failed", sum.Failed))
	}

	select {
	case <-ctx.Done():
		d.log.Info("daemon_stopping", slog.String("cause", "signal"))
	case err := <-serveErr:
		if err != nil {
			d.dumpCrashLog()
			return fmt.Errorf("web server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.log.Warn("web_shutdown_failed", slog.String("error", err.Error()))
	}
	return nil
}

// startWatcher applies log level changes from config.toml without a restart.
// Other settings take effect on the next serve.
func (d *daemon) startWatcher() {
	if d.opts.ConfigPath == "" {
		return
	}
	w, err := config.NewWatcher(d.opts.ConfigPath, func(c *config.Config) {
		logging.SetLevel(c.Logs.Level)
		d.log.Info("config_reloaded", slog.String("log_level", c.Logs.Level))
	})
	if err != nil {
		d.log.Warn("config_watch_failed", slog.String("error", err.Error()))
		return
	}
	d.watcher = w
	go w.Run()
}

func (d *daemon) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.db.Heartbeat(); err != nil {
				d.log.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (d *daemon) dumpCrashLog() {
	logDir, err := d.cfg.LogDir()
	if err != nil {
		return
	}
	path := filepath.Join(logDir, fmt.Sprintf("crash-%s.log", time.Now().Format("20060102-150405")))
	if err := logging.DumpRingBuffer(path); err == nil {
		fmt.Fprintf(os.Stderr, "Recent logs written to %s\n", path)
	}
}

// close releases everything build created, in reverse order. Safe on a
// partially built daemon.
func (d *daemon) close() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.manager != nil {
		d.manager.Shutdown()
	}
	if d.assigner != nil {
		d.assigner.Wait()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.db != nil {
		if err := d.db.ResignPrimary(); err != nil {
			d.log.Warn("resign_primary_failed", slog.String("error", err.Error()))
		}
		_ = d.db.UnregisterDaemon()
		_ = d.db.Close()
	}
	logging.Shutdown()
}
