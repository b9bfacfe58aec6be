package interactive

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
)

// stubClient records requests and plays back a canned reply.
type stubClient struct {
	requests []*envelope.Request
	status   *envelope.Status
	err      error
}

func (c *stubClient) Do(req *envelope.Request) (*envelope.Status, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	if c.status != nil {
		return c.status, nil
	}
	return &envelope.Status{RequestID: req.ID, What: envelope.StatusOK}, nil
}

func newTestShell() (*Shell, *stubClient, *bytes.Buffer) {
	client := &stubClient{}
	buf := &bytes.Buffer{}
	return &Shell{client: client, out: buf}, client, buf
}

func TestExecuteDevices(t *testing.T) {
	shell, client, buf := newTestShell()

	if !shell.execute("devices") {
		t.Fatal("devices should not exit the shell")
	}
	if len(client.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(client.requests))
	}
	if client.requests[0].Action != envelope.ActionGetDevices {
		t.Errorf("wrong action: %v", client.requests[0].Action)
	}
	if !strings.Contains(buf.String(), "OK") {
		t.Errorf("expected OK output, got %q", buf.String())
	}
}

func TestExecuteAdd(t *testing.T) {
	shell, client, _ := newTestShell()

	shell.execute("add web1 10.0.0.11 3357")

	if len(client.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(client.requests))
	}
	req := client.requests[0]
	if req.Action != envelope.ActionAddDevice {
		t.Errorf("wrong action: %v", req.Action)
	}
	if req.Args[envelope.ArgName] != "web1" ||
		req.Args[envelope.ArgAddress] != "10.0.0.11" ||
		req.Args[envelope.ArgPort] != "3357" {
		t.Errorf("wrong args: %v", req.Args)
	}
	if req.Forced {
		t.Error("add without force should not set Forced")
	}

	shell.execute("add web1 10.0.0.11 3357 force")
	if !client.requests[1].Forced {
		t.Error("add with force should set Forced")
	}
}

func TestExecuteAddUsage(t *testing.T) {
	shell, client, buf := newTestShell()

	shell.execute("add web1")

	if len(client.requests) != 0 {
		t.Fatalf("incomplete add should not send a request, got %d", len(client.requests))
	}
	if !strings.Contains(buf.String(), "Usage: add") {
		t.Errorf("expected usage line, got %q", buf.String())
	}
}

func TestExecuteSessionsFilter(t *testing.T) {
	shell, client, _ := newTestShell()

	shell.execute("sessions")
	shell.execute("sessions 2309737967")

	if client.requests[0].Args != nil {
		t.Errorf("unfiltered sessions should carry no args: %v", client.requests[0].Args)
	}
	if client.requests[1].Args[envelope.ArgHash] != "2309737967" {
		t.Errorf("filtered sessions should carry the hash: %v", client.requests[1].Args)
	}
}

func TestExecuteDeviceCommands(t *testing.T) {
	cases := []struct {
		line   string
		action envelope.Action
	}{
		{"remove 2309737967", envelope.ActionRemoveDevice},
		{"connect 2309737967", envelope.ActionConnectDevice},
		{"disconnect 2309737967", envelope.ActionDisconnectDevice},
		{"start 2309737967", envelope.ActionStartCollecting},
		{"stop 2309737967", envelope.ActionStopCollecting},
	}
	for _, tc := range cases {
		shell, client, _ := newTestShell()
		shell.execute(tc.line)
		if len(client.requests) != 1 {
			t.Fatalf("%q: expected 1 request, got %d", tc.line, len(client.requests))
		}
		req := client.requests[0]
		if req.Action != tc.action {
			t.Errorf("%q: wrong action %v", tc.line, req.Action)
		}
		if req.Args[envelope.ArgHash] != "2309737967" {
			t.Errorf("%q: wrong hash arg %v", tc.line, req.Args)
		}
	}
}

func TestExecuteDeviceCommandUsage(t *testing.T) {
	shell, client, buf := newTestShell()

	shell.execute("connect")

	if len(client.requests) != 0 {
		t.Fatal("connect without id should not send a request")
	}
	if !strings.Contains(buf.String(), "Usage: connect <id>") {
		t.Errorf("expected usage line, got %q", buf.String())
	}
}

func TestExecuteShutdownRequiresForce(t *testing.T) {
	shell, client, buf := newTestShell()

	if !shell.execute("shutdown") {
		t.Fatal("shutdown without force should not exit the shell")
	}
	if len(client.requests) != 0 {
		t.Fatal("shutdown without force should not send a request")
	}
	if !strings.Contains(buf.String(), "Usage: shutdown force") {
		t.Errorf("expected usage line, got %q", buf.String())
	}

	if shell.execute("shutdown force") {
		t.Fatal("shutdown force should exit the shell")
	}
	if len(client.requests) != 1 || client.requests[0].Action != envelope.ActionQuitCollector {
		t.Fatalf("expected a QuitCollector request, got %v", client.requests)
	}
	if !client.requests[0].Forced {
		t.Error("shutdown force should set Forced")
	}
}

func TestExecuteQuit(t *testing.T) {
	for _, line := range []string{"quit", "exit", "q"} {
		shell, client, _ := newTestShell()
		if shell.execute(line) {
			t.Errorf("%q should exit the shell", line)
		}
		if len(client.requests) != 0 {
			t.Errorf("%q should not send a request", line)
		}
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	shell, client, buf := newTestShell()

	shell.execute("bogus")

	if len(client.requests) != 0 {
		t.Fatal("unknown command should not send a request")
	}
	if !strings.Contains(buf.String(), "Unknown command: bogus") {
		t.Errorf("expected unknown command line, got %q", buf.String())
	}
}

func TestExecutePrintsErrorStatus(t *testing.T) {
	shell, client, buf := newTestShell()
	client.status = &envelope.Status{What: envelope.StatusError, Reason: "No such device"}

	shell.execute("connect 2309737967")

	if !strings.Contains(buf.String(), "Error: No such device") {
		t.Errorf("expected error status output, got %q", buf.String())
	}
}

func TestExecutePrintsRequestFailure(t *testing.T) {
	shell, client, buf := newTestShell()
	client.err = errors.New("broken pipe")

	shell.execute("devices")

	if !strings.Contains(buf.String(), "Request failed") {
		t.Errorf("expected failure output, got %q", buf.String())
	}
}
