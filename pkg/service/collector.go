package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskmonitor/tkm-collector/pkg/config"
	"github.com/taskmonitor/tkm-collector/pkg/discovery"
	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/eventloop"
	"github.com/taskmonitor/tkm-collector/pkg/storage"
)

// PidfileName is the pidfile written under the runtime directory.
const PidfileName = "tkm-collector.pid"

// Config configures a collector.
type Config struct {
	Options *config.Options
	Logger  *zap.Logger

	// WatchdogInterval, when positive together with WatchdogNotify,
	// arms a keepalive timer firing at half the interval.
	WatchdogInterval time.Duration
	WatchdogNotify   func()

	// Ready, when set, is invoked once the control socket is bound and
	// the startup work is queued, right before the loop turns.
	Ready func()
}

// Collector owns the event loop and every worker on it: the
// dispatcher, the database worker, and one worker per stored device.
// NewCollector performs the fatal startup steps; Run turns the loop
// until Stop and then tears everything down.
type Collector struct {
	logger *zap.Logger
	opts   *config.Options

	loop       *eventloop.Loop
	manager    *Manager
	dispatcher *Dispatcher
	database   *DatabaseWorker
	server     *ControlServer
	store      *storage.Store
	browser    *discovery.Browser

	watchdogInterval time.Duration
	watchdogNotify   func()
	ready            func()

	pidfile   string
	closeOnce sync.Once
}

// NewCollector validates the options and acquires the startup
// resources: the runtime directory, the pidfile, and the store
// connection. Any failure here is fatal to startup.
func NewCollector(cfg Config) (*Collector, error) {
	if cfg.Options == nil {
		return nil, fmt.Errorf("options are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := cfg.Options

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := opts.EnsureRuntimeDirectory(); err != nil {
		return nil, err
	}

	pidfile := filepath.Join(opts.RuntimeDirectory(), PidfileName)
	if err := writePidfile(pidfile); err != nil {
		return nil, err
	}

	store, err := openStore(opts, logger)
	if err != nil {
		_ = os.Remove(pidfile)
		return nil, err
	}

	c := &Collector{
		logger:           logger,
		opts:             opts,
		store:            store,
		watchdogInterval: cfg.WatchdogInterval,
		watchdogNotify:   cfg.WatchdogNotify,
		ready:            cfg.Ready,
		pidfile:          pidfile,
	}

	c.loop = eventloop.New(eventloop.Config{Logger: logger.Named("loop")})
	c.manager = NewManager()
	c.dispatcher = NewDispatcher(logger.Named("dispatcher"), c.manager)
	c.database = NewDatabaseWorker(DatabaseConfig{
		Logger:  logger.Named("database"),
		Store:   store,
		Manager: c.manager,
	})

	c.dispatcher.database = c.database
	c.database.dispatcher = c.dispatcher
	c.database.onDeviceLoaded = c.deviceLoaded
	c.database.onDeviceRemoved = c.deviceRemoved
	c.database.onQuit = c.loop.Stop

	c.server = NewControlServer(ControlServerConfig{
		Logger:     logger.Named("control"),
		Dispatcher: c.dispatcher,
		Path:       opts.ControlSocketPath(),
	})

	return c, nil
}

// Manager returns the device manager.
func (c *Collector) Manager() *Manager { return c.manager }

// SocketPath returns the control socket path.
func (c *Collector) SocketPath() string { return c.server.Path() }

// Run binds the control socket, seeds the startup work, and turns the
// event loop until Stop. It returns once teardown is complete.
func (c *Collector) Run() error {
	if err := c.server.Start(); err != nil {
		c.Close()
		return err
	}
	if err := c.registerSources(); err != nil {
		c.server.Stop()
		c.Close()
		return err
	}

	c.enqueueStartup()
	c.startDiscovery()

	c.logger.Info("collector running",
		zap.String("socket", c.server.Path()),
		zap.String("database", c.opts.DatabaseType()))
	if c.ready != nil {
		c.ready()
	}

	err := c.loop.Run()

	c.shutdown()
	return err
}

// Stop requests a graceful stop; Run returns once in-flight handlers
// finish. Safe from any goroutine and idempotent.
func (c *Collector) Stop() {
	c.loop.Stop()
}

// Close releases the resources acquired by NewCollector. Run calls it
// on exit; callers that never reach Run use it directly.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		if c.store != nil {
			_ = c.store.Close()
		}
		_ = os.Remove(c.pidfile)
	})
}

func (c *Collector) registerSources() error {
	if err := eventloop.AddQueue(c.loop, c.dispatcher.Queue(), eventloop.Options{
		Priority: eventloop.PriorityHigh,
		Finalize: c.dispatcher.Queue().Close,
	}, c.dispatcher.Handle); err != nil {
		return err
	}
	if err := eventloop.AddQueue(c.loop, c.database.Queue(), eventloop.Options{
		Priority: eventloop.PriorityNormal,
		Finalize: c.database.Queue().Close,
	}, c.database.Handle); err != nil {
		return err
	}

	if c.watchdogInterval > 0 && c.watchdogNotify != nil {
		interval := c.watchdogInterval / 2
		if _, err := c.loop.AddTimer("watchdog", interval,
			eventloop.Options{Priority: eventloop.PriorityHigh}, c.watchdogNotify); err != nil {
			return err
		}
		c.logger.Info("watchdog keepalive armed", zap.Duration("interval", interval))
	}
	return nil
}

// enqueueStartup seeds the database queue before the loop turns: the
// schema check, the device load, and the recovery pass that ends
// sessions a previous run left open.
func (c *Collector) enqueueStartup() {
	_ = c.database.Submit(&DatabaseRequest{Action: DatabaseCheck})
	_ = c.database.Submit(&DatabaseRequest{Action: DatabaseLoadDevices})
	_ = c.database.Submit(&DatabaseRequest{Action: DatabaseCleanSessions})
	c.enqueueSeeds()
}

// enqueueSeeds adds the seed-file devices through the normal AddDevice
// path. Seeds already stored fail the insert and change nothing.
func (c *Collector) enqueueSeeds() {
	path := c.opts.DeviceSeedFile()
	if path == "" {
		return
	}
	seeds, err := config.LoadSeeds(path)
	if err != nil {
		c.logger.Warn("seed file rejected", zap.String("path", path), zap.Error(err))
		return
	}
	for _, seed := range seeds {
		_ = c.dispatcher.Submit(&DispatcherRequest{
			Action: DispatchAddDevice,
			ID:     envelope.ActionAddDevice.String(),
			Args: map[string]string{
				envelope.ArgName:    seed.Name,
				envelope.ArgAddress: seed.Address,
				envelope.ArgPort:    strconv.Itoa(int(seed.Port)),
			},
		})
	}
	if len(seeds) > 0 {
		c.logger.Info("device seeds enqueued",
			zap.Int("count", len(seeds)), zap.String("path", path))
	}
}

// startDiscovery browses for agents over mDNS when enabled. Each
// discovered agent goes through the normal AddDevice path; nothing is
// connected automatically.
func (c *Collector) startDiscovery() {
	if !c.opts.DiscoveryEnabled() {
		return
	}
	browser := discovery.NewBrowser(discovery.Config{})
	services, err := browser.Browse(context.Background())
	if err != nil {
		c.logger.Warn("agent discovery unavailable", zap.Error(err))
		return
	}
	c.browser = browser

	go func() {
		for svc := range services {
			c.logger.Info("agent discovered",
				zap.String("name", svc.Name),
				zap.String("address", svc.Address()),
				zap.Uint16("port", svc.Port))
			_ = c.dispatcher.Submit(&DispatcherRequest{
				Action: DispatchAddDevice,
				ID:     envelope.ActionAddDevice.String(),
				Args: map[string]string{
					envelope.ArgName:    svc.Name,
					envelope.ArgAddress: svc.Address(),
					envelope.ArgPort:    strconv.Itoa(int(svc.Port)),
				},
			})
		}
	}()

	c.logger.Info("agent discovery active", zap.String("service", discovery.ServiceTypeAgent))
}

// shutdown tears the run down in reverse start order. Device sockets
// just close; sessions they held stay open in the store and the next
// run's recovery pass stamps them.
func (c *Collector) shutdown() {
	if c.browser != nil {
		c.browser.Stop()
	}
	c.server.Stop()
	for _, dev := range c.manager.Snapshot() {
		dev.DisconnectNow(false)
	}
	c.Close()
	c.logger.Info("collector stopped")
}

// deviceLoaded mirrors one stored row as a worker in Loaded and puts
// its queue on the loop. Callback from the database worker.
func (c *Collector) deviceLoaded(row storage.Device) {
	dev := NewDevice(&row, DeviceConfig{
		Logger:     c.logger.Named("device"),
		Dispatcher: c.dispatcher,
		Database:   c.database,
		Reconnect:  c.opts.AutoReconnect(),
	})
	if !c.manager.Add(dev) {
		return
	}
	queue := dev.Queue()
	if err := eventloop.AddQueue(c.loop, queue, eventloop.Options{
		Priority: eventloop.PriorityNormal,
		Finalize: queue.Close,
	}, dev.Handle); err != nil {
		c.manager.Remove(dev.Hash())
		c.logger.Error("device source registration failed",
			zap.String("device", dev.Hash()), zap.Error(err))
	}
}

// deviceRemoved takes a retired worker's queue off the loop. Callback
// from the database worker; the manager entry is already gone.
func (c *Collector) deviceRemoved(hash string) {
	if err := c.loop.Remove(deviceQueueName(hash)); err != nil {
		c.logger.Debug("device source already gone",
			zap.String("device", hash), zap.Error(err))
	}
}

func openStore(opts *config.Options, logger *zap.Logger) (*storage.Store, error) {
	backend, err := storage.ParseBackend(opts.DatabaseType())
	if err != nil {
		return nil, err
	}
	policy, err := storage.ParseSessionPolicy(opts.SessionHashPolicy())
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Backend:       backend,
		FilePath:      opts.DBFilePath(),
		Name:          opts.DBName(),
		User:          opts.DBUserName(),
		Password:      opts.DBUserPassword(),
		Address:       opts.DBServerAddress(),
		Port:          opts.DBServerPort(),
		SessionPolicy: policy,
	}, logger.Named("storage"))
}

// writePidfile records this process's pid, refusing to start while
// another live collector holds the file.
func writePidfile(path string) error {
	if raw, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err == nil && pid > 0 && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("collector already running with pid %d", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// processAlive probes a pid with the null signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
