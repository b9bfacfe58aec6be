// Package interactive provides the readline-driven shell for
// tkm-control.
package interactive

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
)

// Client sends one control request and returns the collector's reply.
// This interface lets the shell run over any established control
// connection without depending on the main package's client type.
type Client interface {
	Do(req *envelope.Request) (*envelope.Status, error)
}

// Shell is the interactive operator loop.
type Shell struct {
	client Client
	rl     *readline.Instance
	out    io.Writer
}

// New creates a shell over an established control connection.
func New(client Client) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tkm> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{client: client, rl: rl, out: rl.Stdout()}, nil
}

// Run reads commands until quit or EOF.
func (s *Shell) Run() error {
	defer s.rl.Close()

	s.printHelp()

	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			return nil
		}
		if !s.execute(strings.TrimSpace(line)) {
			return nil
		}
	}
}

// execute runs one command line. It returns false once the shell
// should exit.
func (s *Shell) execute(input string) bool {
	if input == "" {
		return true
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()

	case "devices", "list", "ls":
		s.do(&envelope.Request{
			ID:     envelope.ActionGetDevices.String(),
			Action: envelope.ActionGetDevices,
		})

	case "sessions":
		req := &envelope.Request{
			ID:     envelope.ActionGetSessions.String(),
			Action: envelope.ActionGetSessions,
		}
		if len(args) > 0 {
			req.Args = map[string]string{envelope.ArgHash: args[0]}
		}
		s.do(req)

	case "add":
		s.cmdAdd(args)

	case "remove":
		s.cmdDevice("remove", envelope.ActionRemoveDevice, args)

	case "connect":
		s.cmdDevice("connect", envelope.ActionConnectDevice, args)

	case "disconnect":
		s.cmdDevice("disconnect", envelope.ActionDisconnectDevice, args)

	case "start":
		s.cmdDevice("start", envelope.ActionStartCollecting, args)

	case "stop":
		s.cmdDevice("stop", envelope.ActionStopCollecting, args)

	case "init":
		s.do(&envelope.Request{
			ID:     envelope.ActionInitDatabase.String(),
			Action: envelope.ActionInitDatabase,
			Forced: len(args) > 0 && args[0] == "force",
		})

	case "shutdown":
		if len(args) != 1 || args[0] != "force" {
			fmt.Fprintln(s.out, "Usage: shutdown force")
			return true
		}
		s.do(&envelope.Request{
			ID:     envelope.ActionQuitCollector.String(),
			Action: envelope.ActionQuitCollector,
			Forced: true,
		})
		fmt.Fprintln(s.out, "Exiting...")
		return false

	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false

	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) cmdAdd(args []string) {
	if len(args) < 3 || len(args) > 4 {
		fmt.Fprintln(s.out, "Usage: add <name> <address> <port> [force]")
		return
	}
	s.do(&envelope.Request{
		ID:     envelope.ActionAddDevice.String(),
		Action: envelope.ActionAddDevice,
		Args: map[string]string{
			envelope.ArgName:    args[0],
			envelope.ArgAddress: args[1],
			envelope.ArgPort:    args[2],
		},
		Forced: len(args) == 4 && args[3] == "force",
	})
}

func (s *Shell) cmdDevice(name string, action envelope.Action, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(s.out, "Usage: %s <id>\n", name)
		return
	}
	s.do(&envelope.Request{
		ID:     action.String(),
		Action: action,
		Args:   map[string]string{envelope.ArgHash: args[0]},
	})
}

// do performs one request and prints the reply.
func (s *Shell) do(req *envelope.Request) {
	status, err := s.client.Do(req)
	if err != nil {
		fmt.Fprintf(s.out, "Request failed: %v\n", err)
		return
	}
	switch {
	case status.IsOK() && status.Reason == "":
		fmt.Fprintln(s.out, "OK")
	case status.IsOK():
		fmt.Fprintln(s.out, status.Reason)
	default:
		fmt.Fprintf(s.out, "%s: %s\n", status.What, status.Reason)
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Collector Commands:
  Devices:
    devices                          - List stored devices and their states
    add <name> <address> <port> [force] - Store a device (force replaces)
    remove <id>                      - Delete a device and its sessions

  Connections:
    connect <id>                     - Open the device's agent connection
    disconnect <id>                  - Close the device's agent connection
    start <id>                       - Open a session and start streaming
    stop <id>                        - Stop streaming, keep the session open

  Sessions:
    sessions [id]                    - List sessions, optionally for one device

  Collector:
    init [force]                     - Create the database schema (force drops first)
    shutdown force                   - Stop the collector

  General:
    help                             - Show this help
    quit                             - Leave the shell`)
}
