// Command tkm-collector is the telemetry collector daemon.
//
// It keeps one TCP connection per configured monitoring agent, stores
// the telemetry the agents stream into a relational database, and
// answers operator requests on a Unix control socket.
//
// Usage:
//
//	tkm-collector [flags]
//
// Flags:
//
//	--config string   Configuration file path
//
// Every option in the configuration file can also be set through the
// environment, e.g. TKM_DATABASETYPE=postgresql. Under systemd the
// daemon signals readiness over sd_notify and feeds the service
// watchdog when one is configured.
//
// Examples:
//
//	# Run against the default sqlite3 database
//	tkm-collector
//
//	# Run with a config file and verbose logging
//	TKM_LOGLEVEL=debug tkm-collector --config /etc/taskmonitor/collector.yaml
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskmonitor/tkm-collector/pkg/config"
	"github.com/taskmonitor/tkm-collector/pkg/service"
	"github.com/taskmonitor/tkm-collector/pkg/version"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "tkm-collector",
		Short:        "Telemetry collector daemon",
		Version:      version.String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "configuration file path")
	return cmd
}

func run(configFile string) error {
	opts, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := buildLogger(opts.LogLevel())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := service.Config{
		Options: opts,
		Logger:  logger,
		Ready: func() {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		},
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		cfg.WatchdogInterval = interval
		cfg.WatchdogNotify = func() {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}

	col, err := service.NewCollector(cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal", zap.String("signal", sig.String()))
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		col.Stop()
	}()

	return col.Run()
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
