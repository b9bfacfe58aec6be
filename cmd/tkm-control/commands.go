package main

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/taskmonitor/tkm-collector/cmd/tkm-control/interactive"
	"github.com/taskmonitor/tkm-collector/pkg/envelope"
)

func newInitDatabaseCommand(flags *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-database",
		Short: "Create the database schema",
		Long: "Creates the tables the collector is missing. With --force every\n" +
			"table is dropped and recreated; stored devices and sessions are lost.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.send(&envelope.Request{
				ID:     envelope.ActionInitDatabase.String(),
				Action: envelope.ActionInitDatabase,
				Forced: force,
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "drop and recreate all tables")
	return cmd
}

func newQuitCommand(flags *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "quit",
		Short: "Stop the collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("quit requires --force")
			}
			return flags.send(&envelope.Request{
				ID:     envelope.ActionQuitCollector.String(),
				Action: envelope.ActionQuitCollector,
				Forced: true,
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm stopping the collector")
	return cmd
}

func newListDevicesCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List stored devices and their states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.send(&envelope.Request{
				ID:     envelope.ActionGetDevices.String(),
				Action: envelope.ActionGetDevices,
			})
		},
	}
}

func newListSessionsCommand(flags *rootFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "list-sessions",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &envelope.Request{
				ID:     envelope.ActionGetSessions.String(),
				Action: envelope.ActionGetSessions,
			}
			if id != "" {
				req.Args = map[string]string{envelope.ArgHash: id}
			}
			return flags.send(req)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "only sessions of this device hash")
	return cmd
}

func newAddDeviceCommand(flags *rootFlags) *cobra.Command {
	var (
		name    string
		address string
		port    uint16
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "add-device",
		Short: "Store a device",
		Long: "Stores a monitoring agent endpoint. The device hash is derived\n" +
			"from address and port; adding the same endpoint twice fails unless\n" +
			"--force replaces the stored entry.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.send(&envelope.Request{
				ID:     envelope.ActionAddDevice.String(),
				Action: envelope.ActionAddDevice,
				Args: map[string]string{
					envelope.ArgName:    name,
					envelope.ArgAddress: address,
					envelope.ArgPort:    strconv.Itoa(int(port)),
				},
				Forced: force,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&address, "address", "", "agent IPv4 address or host name")
	cmd.Flags().Uint16Var(&port, "port", 0, "agent TCP port")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing entry for the same endpoint")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

// newDeviceCommand covers the operations addressing one stored device
// by hash.
func newDeviceCommand(flags *rootFlags, use, short string, action envelope.Action) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.send(&envelope.Request{
				ID:     action.String(),
				Action: action,
				Args:   map[string]string{envelope.ArgHash: id},
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "device hash")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newInteractiveCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Readline shell wrapping the control operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			shell, err := interactive.New(client)
			if err != nil {
				return err
			}
			return shell.Run()
		},
	}
}
