// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/ctsync/internal/channel"
	"firestige.xyz/ctsync/internal/command"
	"firestige.xyz/ctsync/internal/config"
	"firestige.xyz/ctsync/internal/engine"
	"firestige.xyz/ctsync/internal/kernel"
	logpkg "firestige.xyz/ctsync/internal/log"
	"firestige.xyz/ctsync/internal/metrics"
	"firestige.xyz/ctsync/internal/origin"
)

// commitSocket is the kernel commit handle as the daemon uses it.
type commitSocket interface {
	engine.Committer
	origin.Handle
	SetTimeout(seconds uint32)
	Close() error
}

// sockets opens the kernel and peer endpoints.
type sockets struct {
	listen  func(kernel.ListenerConfig) (engine.EventSource, error)
	commit  func(kernel.CommitterConfig) (commitSocket, error)
	channel func(channel.Config) (engine.Transport, error)
}

var systemSockets = sockets{
	listen: func(cfg kernel.ListenerConfig) (engine.EventSource, error) {
		l, err := kernel.Listen(cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	},
	commit: func(cfg kernel.CommitterConfig) (commitSocket, error) {
		c, err := kernel.NewCommitter(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	channel: func(cfg channel.Config) (engine.Transport, error) {
		ch, err := channel.Open(cfg)
		if err != nil {
			return nil, err
		}
		return ch, nil
	},
}

// Daemon manages the ctsyncd process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string
	sockets    sockets

	// Core components
	origins       *origin.Registry
	committer     commitSocket // nil if commit disabled
	engine        *engine.Engine
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	engineDone   chan error
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New creates a new Daemon instance. Empty socketPath and pidFile fall back
// to control.socket and control.pid_file.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		sockets:      systemSockets,
		origins:      origin.NewRegistry(),
		engineDone:   make(chan error, 1),
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting ctsyncd",
		"version", command.Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.startMetrics(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := d.startEngine(); err != nil {
		d.cleanup()
		return err
	}

	d.cmdHandler = command.NewCommandHandler(d.engine, d.origins, d)
	d.cmdHandler.SetNode(d.config.Node.Hostname)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon.shutdown command")
		d.TriggerShutdown()
	})

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	if err := d.udsServer.Listen(); err != nil {
		d.cancel()
		<-d.engineDone
		d.cleanup()
		return fmt.Errorf("failed to start control socket: %w", err)
	}
	go func() {
		if err := d.udsServer.Serve(d.ctx); err != nil {
			slog.Error("uds server failed", "error", err)
		}
	}()

	slog.Info("daemon started successfully")
	return nil
}

// startEngine opens the kernel and peer sockets and runs the replication
// engine in the background. Sockets opened before a failure are closed.
func (d *Daemon) startEngine() (err error) {
	cfg := d.config
	var (
		events    engine.EventSource
		transport engine.Transport
	)
	defer func() {
		if err == nil {
			return
		}
		if events != nil {
			_ = events.Close()
		}
		if transport != nil {
			_ = transport.Close()
		}
		d.closeCommitter()
	}()

	if cfg.Sync.Commit.Enabled {
		c, err := d.sockets.commit(kernel.CommitterConfig{
			PortID:  cfg.Sync.Commit.PortID,
			Timeout: cfg.Sync.CommitTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to open commit socket: %w", err)
		}
		d.committer = c
		if err := d.origins.Register(c, origin.Commit); err != nil {
			return fmt.Errorf("failed to register commit socket: %w", err)
		}
		metrics.OriginEntries.Set(float64(d.origins.Len()))
	}

	events, err = d.sockets.listen(kernel.ListenerConfig{
		Groups:     cfg.Sync.Events.Groups,
		ReadBuffer: cfg.Sync.Events.ReadBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to open event socket: %w", err)
	}

	transport, err = d.sockets.channel(channelConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	var committer engine.Committer
	if d.committer != nil {
		committer = d.committer
	}
	d.engine = engine.New(engineConfig(cfg), events, transport, committer, d.origins)

	go func() {
		err := d.engine.Run(d.ctx)
		if err != nil {
			slog.Error("replication engine stopped", "error", err)
			d.TriggerShutdown()
		}
		d.engineDone <- err
	}()
	return nil
}

func channelConfig(cfg *config.GlobalConfig) channel.Config {
	return channel.Config{
		Mode:      cfg.Channel.Mode,
		Group:     cfg.Channel.Group,
		Interface: cfg.Channel.Interface,
		TTL:       cfg.Channel.TTL,
		Loopback:  cfg.Channel.Loopback,
		Listen:    cfg.Channel.Listen,
		Peers:     cfg.Channel.Peers,
		MTU:       cfg.Sync.MTU,
	}
}

func engineConfig(cfg *config.GlobalConfig) engine.Config {
	return engine.Config{
		CommitTimeout: cfg.Sync.CommitTimeout != 0,
		Commit:        cfg.Sync.Commit.Enabled,
	}
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop the engine; it closes the event socket and the channel
	d.cancel()
	if d.engine != nil {
		select {
		case <-d.engineDone:
		case <-time.After(5 * time.Second):
			slog.Warn("replication engine did not stop in time")
		}
	}

	// 2. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		_ = d.udsServer.Stop()
	}

	// 3. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	d.cleanup()
	slog.Info("daemon stopped gracefully")
}

// cleanup releases the commit socket, the metrics server and the PID file.
func (d *Daemon) cleanup() {
	d.closeCommitter()

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		d.metricsServer = nil
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}
}

func (d *Daemon) closeCommitter() {
	if d.committer == nil {
		return
	}
	if err := d.origins.Unregister(d.committer); err != nil && !errors.Is(err, origin.ErrNotRegistered) {
		slog.Warn("failed to unregister commit socket", "error", err)
	}
	metrics.OriginEntries.Set(float64(d.origins.Len()))
	if err := d.committer.Close(); err != nil {
		slog.Warn("error closing commit socket", "error", err)
	}
	d.committer = nil
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon.shutdown command via UDS
//  3. a fatal replication engine error
//
// SIGHUP triggers config reload.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered")
			d.Stop()
			return nil
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log, sync.commit_timeout, sync.commit.enabled (when the
// commit socket is open).
// Cold (requires restart): channel, sync.mtu, sync.events, sync.commit.port_id,
// metrics.listen, control.
// Implements ConfigReloader interface for CommandHandler.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.config
	d.config = newConfig

	hotReloaded := []string{}
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log != old.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	if d.engine != nil {
		ec := engineConfig(newConfig)
		if d.committer == nil {
			ec.Commit = false
		}
		d.engine.SetConfig(ec)
	}
	if d.committer != nil {
		d.committer.SetTimeout(newConfig.Sync.CommitTimeout)
	}
	if newConfig.Sync.CommitTimeout != old.Sync.CommitTimeout {
		hotReloaded = append(hotReloaded, "sync.commit_timeout")
	}
	if newConfig.Sync.Commit.Enabled != old.Sync.Commit.Enabled {
		hotReloaded = append(hotReloaded, "sync.commit.enabled")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart(old, newConfig),
	)
	return nil
}

func requiresRestart(old, cur *config.GlobalConfig) []string {
	out := []string{}
	if old.Channel.Mode != cur.Channel.Mode ||
		old.Channel.Group != cur.Channel.Group ||
		old.Channel.Listen != cur.Channel.Listen ||
		fmt.Sprint(old.Channel.Peers) != fmt.Sprint(cur.Channel.Peers) {
		out = append(out, "channel")
	}
	if old.Sync.MTU != cur.Sync.MTU {
		out = append(out, "sync.mtu")
	}
	if fmt.Sprint(old.Sync.Events) != fmt.Sprint(cur.Sync.Events) {
		out = append(out, "sync.events")
	}
	if old.Sync.Commit.PortID != cur.Sync.Commit.PortID ||
		(!old.Sync.Commit.Enabled && cur.Sync.Commit.Enabled) {
		out = append(out, "sync.commit.port_id")
	}
	if old.Metrics != cur.Metrics {
		out = append(out, "metrics")
	}
	return out
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
		// already pending
	}
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	s := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := s.Start(d.ctx); err != nil {
		return err
	}
	d.metricsServer = s
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
