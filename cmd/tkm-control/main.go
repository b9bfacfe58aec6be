// Command tkm-control operates a running collector over its Unix
// control socket.
//
// Usage:
//
//	tkm-control [flags] <command>
//
// Commands:
//
//	init-database     create missing tables (--force drops everything first)
//	quit              stop the collector (--force required)
//	list-devices      list stored devices and their states
//	list-sessions     list sessions (--id filters by device hash)
//	add-device        store a device (--name, --address, --port)
//	remove-device     delete a device and its sessions (--id)
//	connect           open the device's agent connection (--id)
//	disconnect        close the device's agent connection (--id)
//	start-collecting  open a session and start streaming (--id)
//	stop-collecting   stop streaming, keep the session open (--id)
//	interactive       readline shell wrapping the commands above
//
// The socket path defaults to the one the collector configuration
// yields (<RuntimeDirectory>/<ControlSocket>); --socket overrides it,
// --config derives it from a collector config file.
//
// Examples:
//
//	tkm-control add-device --name web1 --address 10.0.0.11 --port 3357
//	tkm-control connect --id 2309737967
//	tkm-control list-sessions --id 2309737967
//	tkm-control --socket /tmp/tkm.sock quit --force
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmonitor/tkm-collector/pkg/config"
	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	configFile string
	socket     string
	timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:          "tkm-control",
		Short:        "Operate a running telemetry collector",
		Version:      version.String(),
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "collector configuration file the socket path is derived from")
	cmd.PersistentFlags().StringVar(&flags.socket, "socket", "", "control socket path (overrides the configuration)")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "dial and reply timeout")

	cmd.AddCommand(
		newInitDatabaseCommand(flags),
		newQuitCommand(flags),
		newListDevicesCommand(flags),
		newListSessionsCommand(flags),
		newAddDeviceCommand(flags),
		newDeviceCommand(flags, "remove-device", "Delete a device and its sessions", envelope.ActionRemoveDevice),
		newDeviceCommand(flags, "connect", "Open the device's agent connection", envelope.ActionConnectDevice),
		newDeviceCommand(flags, "disconnect", "Close the device's agent connection", envelope.ActionDisconnectDevice),
		newDeviceCommand(flags, "start-collecting", "Open a session and start streaming", envelope.ActionStartCollecting),
		newDeviceCommand(flags, "stop-collecting", "Stop streaming, keep the session open", envelope.ActionStopCollecting),
		newInteractiveCommand(flags),
	)
	return cmd
}

// dial resolves the socket path and connects, descriptor handshake
// included.
func (f *rootFlags) dial() (*controlClient, error) {
	path := f.socket
	if path == "" {
		opts, err := config.Load(f.configFile)
		if err != nil {
			return nil, err
		}
		path = opts.ControlSocketPath()
	}
	return dialControl(path, f.timeout)
}

// send performs one request against the collector and prints the
// reply. A Busy or Error status becomes a non-zero exit.
func (f *rootFlags) send(req *envelope.Request) error {
	client, err := f.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Do(req)
	if err != nil {
		return err
	}
	return printStatus(os.Stdout, status)
}

func printStatus(w io.Writer, status *envelope.Status) error {
	if !status.IsOK() {
		return fmt.Errorf("%s", strings.TrimSpace(status.Reason))
	}
	if status.Reason != "" {
		fmt.Fprintln(w, status.Reason)
	}
	return nil
}
