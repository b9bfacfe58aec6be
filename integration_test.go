package tkm_test

import (
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskmonitor/tkm-collector/internal/agentstub"
	"github.com/taskmonitor/tkm-collector/pkg/config"
	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/identity"
	"github.com/taskmonitor/tkm-collector/pkg/monitor"
	"github.com/taskmonitor/tkm-collector/pkg/service"
	"github.com/taskmonitor/tkm-collector/pkg/storage"
)

const e2eWait = 5 * time.Second

// harness runs one collector against a fresh runtime directory and
// database file.
type harness struct {
	socket string
	dbPath string
	done   chan struct{}
}

func startCollector(t *testing.T, configure func(*config.Options)) *harness {
	t.Helper()

	dir := t.TempDir()
	opts := config.New()
	opts.Set(config.KeyRuntimeDirectory, dir)
	opts.Set(config.KeyDBFilePath, filepath.Join(dir, "tkm.db"))
	if configure != nil {
		configure(opts)
	}

	col, err := service.NewCollector(service.Config{Options: opts, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	h := &harness{
		socket: col.SocketPath(),
		dbPath: opts.GetString(config.KeyDBFilePath),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		if err := col.Run(); err != nil {
			t.Errorf("collector run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		col.Stop()
		select {
		case <-h.done:
		case <-time.After(e2eWait):
			t.Error("collector did not stop")
		}
	})

	waitFor(t, func() bool {
		_, err := os.Stat(h.socket)
		return err == nil
	}, "control socket never appeared")
	return h
}

// operator is one control connection with the descriptor handshake
// already done.
type operator struct {
	conn   net.Conn
	framer *envelope.Framer
}

func (h *harness) dial(t *testing.T) *operator {
	t.Helper()

	conn, err := net.DialTimeout("unix", h.socket, e2eWait)
	if err != nil {
		t.Fatalf("Failed to dial control socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	op := &operator{conn: conn, framer: envelope.NewFramer(conn)}
	desc := &envelope.Descriptor{ID: "tkm-test", PID: uint32(os.Getpid())}
	env, err := envelope.Seal(envelope.RecipientControl, envelope.RecipientCollector,
		envelope.KindDescriptor, desc)
	if err != nil {
		t.Fatalf("Failed to seal descriptor: %v", err)
	}
	if err := op.framer.WriteDescriptorEnvelope(env); err != nil {
		t.Fatalf("Descriptor handshake failed: %v", err)
	}
	return op
}

// do sends one request and returns the status reply. Every reply must
// echo the request id.
func (op *operator) do(t *testing.T, req *envelope.Request) *envelope.Status {
	t.Helper()

	env, err := envelope.Seal(envelope.RecipientControl, envelope.RecipientCollector,
		envelope.KindRequest, req)
	if err != nil {
		t.Fatalf("Failed to seal request: %v", err)
	}
	if err := op.framer.WriteEnvelope(env); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}

	_ = op.conn.SetReadDeadline(time.Now().Add(e2eWait))
	defer op.conn.SetReadDeadline(time.Time{})
	for {
		reply, err := op.framer.ReadEnvelope()
		if err != nil {
			t.Fatalf("Failed to read status for %s: %v", req.ID, err)
		}
		if reply.Kind != envelope.KindStatus {
			continue
		}
		status, err := envelope.DecodeStatus(reply)
		if err != nil {
			t.Fatalf("Failed to decode status: %v", err)
		}
		if status.RequestID != req.ID {
			t.Fatalf("Status for %q answers request %q", req.ID, status.RequestID)
		}
		return status
	}
}

func (op *operator) addDevice(t *testing.T, name, address string, port uint16, forced bool) *envelope.Status {
	t.Helper()
	return op.do(t, &envelope.Request{
		ID:     "AddDevice." + name,
		Action: envelope.ActionAddDevice,
		Args: map[string]string{
			envelope.ArgName:    name,
			envelope.ArgAddress: address,
			envelope.ArgPort:    strconv.Itoa(int(port)),
		},
		Forced: forced,
	})
}

func (op *operator) deviceOp(t *testing.T, action envelope.Action, hash string) *envelope.Status {
	t.Helper()
	return op.do(t, &envelope.Request{
		ID:     action.String() + "." + hash,
		Action: action,
		Args:   map[string]string{envelope.ArgHash: hash},
	})
}

func (op *operator) devices(t *testing.T) string {
	t.Helper()
	status := op.do(t, &envelope.Request{ID: "GetDevices", Action: envelope.ActionGetDevices})
	if !status.IsOK() {
		t.Fatalf("GetDevices failed: %s", status.Reason)
	}
	return status.Reason
}

func (op *operator) sessions(t *testing.T) string {
	t.Helper()
	status := op.do(t, &envelope.Request{ID: "GetSessions", Action: envelope.ActionGetSessions})
	if !status.IsOK() {
		t.Fatalf("GetSessions failed: %s", status.Reason)
	}
	return status.Reason
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(e2eWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// waitDeviceState polls the device listing until the device reports
// the wanted state.
func waitDeviceState(t *testing.T, op *operator, hash, state string) {
	t.Helper()
	var last string
	waitFor(t, func() bool {
		last = op.devices(t)
		for _, line := range strings.Split(last, "\n") {
			if strings.Contains(line, "id="+hash+" ") && strings.HasSuffix(line, "state="+state) {
				return true
			}
		}
		return false
	}, fmt.Sprintf("device %s never reached %s (last listing: %q)", hash, state, last))
}

func openStore(t *testing.T, path string) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.Config{Backend: storage.SQLite3, FilePath: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func findSession(t *testing.T, store *storage.Store, hash string) *storage.Session {
	t.Helper()
	rows, err := store.Sessions("")
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	for i := range rows {
		if rows[i].Hash == hash {
			return &rows[i]
		}
	}
	return nil
}

func countRows(t *testing.T, path, table string) int64 {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	var n int64
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("Failed to count %s: %v", table, err)
	}
	return n
}

// TestE2E_InitAddList initializes a fresh database, stores one device,
// and reads it back through the control socket.
func TestE2E_InitAddList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := startCollector(t, nil)
	op := h.dial(t)

	status := op.do(t, &envelope.Request{ID: "InitDatabase", Action: envelope.ActionInitDatabase, Forced: true})
	if !status.IsOK() || status.Reason != "Database initialized" {
		t.Fatalf("InitDatabase: got %s / %q", status.What, status.Reason)
	}

	status = op.addDevice(t, "dev1", "127.0.0.1", 3357, false)
	if !status.IsOK() || status.Reason != "Device added" {
		t.Fatalf("AddDevice: got %s / %q", status.What, status.Reason)
	}

	hash := identity.DeviceHash("127.0.0.1", 3357)
	listing := op.devices(t)
	want := fmt.Sprintf("id=%s name=dev1 address=127.0.0.1 port=3357 state=Loaded", hash)
	if listing != want {
		t.Fatalf("GetDevices:\n got %q\nwant %q", listing, want)
	}
}

// TestE2E_DuplicateHash verifies that re-adding the same endpoint fails
// without the forced flag and replaces the entry with it.
func TestE2E_DuplicateHash(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := startCollector(t, nil)
	op := h.dial(t)

	if status := op.addDevice(t, "dev1", "127.0.0.1", 3357, false); !status.IsOK() {
		t.Fatalf("first AddDevice failed: %q", status.Reason)
	}

	status := op.addDevice(t, "dev1b", "127.0.0.1", 3357, false)
	if status.What != envelope.StatusError || status.Reason != "Device already exists" {
		t.Fatalf("duplicate AddDevice: got %s / %q", status.What, status.Reason)
	}

	if status := op.addDevice(t, "dev1b", "127.0.0.1", 3357, true); !status.IsOK() {
		t.Fatalf("forced AddDevice failed: %q", status.Reason)
	}

	listing := op.devices(t)
	lines := strings.Split(listing, "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "name=dev1b") {
		t.Fatalf("expected exactly one dev1b entry, got %q", listing)
	}
}

// TestE2E_SessionLifecycle walks a device through connect, collect,
// stop, and disconnect against a scripted agent, checking the stored
// session row at each step.
func TestE2E_SessionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	agent, err := agentstub.Listen()
	if err != nil {
		t.Fatalf("Failed to start agent stub: %v", err)
	}
	defer agent.Close()
	agent.SetSessionHash("S1")

	h := startCollector(t, nil)
	op := h.dial(t)

	if status := op.addDevice(t, "stub", agent.Address(), agent.Port(), false); !status.IsOK() {
		t.Fatalf("AddDevice failed: %q", status.Reason)
	}
	hash := identity.DeviceHash(agent.Address(), agent.Port())

	if status := op.deviceOp(t, envelope.ActionConnectDevice, hash); !status.IsOK() {
		t.Fatalf("ConnectDevice failed: %q", status.Reason)
	}
	waitDeviceState(t, op, hash, "Connected")

	if status := op.deviceOp(t, envelope.ActionStartCollecting, hash); !status.IsOK() {
		t.Fatalf("StartCollecting failed: %q", status.Reason)
	}
	waitDeviceState(t, op, hash, "Collecting")

	store := openStore(t, h.dbPath)
	namePattern := regexp.MustCompile(`^Collector\.[0-9]+\.[0-9]+$`)
	var sess *storage.Session
	waitFor(t, func() bool {
		sess = findSession(t, store, "S1")
		return sess != nil
	}, "session S1 never stored")
	if !sess.Open() {
		t.Fatalf("session S1 should be open, ended=%d", sess.Ended)
	}
	if !namePattern.MatchString(sess.Name) {
		t.Fatalf("session name %q does not match Collector.<pid>.<epoch>", sess.Name)
	}

	if status := op.deviceOp(t, envelope.ActionStopCollecting, hash); !status.IsOK() {
		t.Fatalf("StopCollecting failed: %q", status.Reason)
	}
	waitDeviceState(t, op, hash, "Idle")
	if sess = findSession(t, store, "S1"); sess == nil || !sess.Open() {
		t.Fatal("stopping collection must keep the session open")
	}

	if status := op.deviceOp(t, envelope.ActionDisconnectDevice, hash); !status.IsOK() {
		t.Fatalf("DisconnectDevice failed: %q", status.Reason)
	}
	waitDeviceState(t, op, hash, "Disconnected")
	waitFor(t, func() bool {
		sess = findSession(t, store, "S1")
		return sess != nil && sess.Ended > 0
	}, "session S1 never ended")
}

// TestE2E_PeerEOF drops the agent connection mid-stream and verifies
// the device disconnects, the session closes, and no rows arrive after
// the drop.
func TestE2E_PeerEOF(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	agent, err := agentstub.Listen()
	if err != nil {
		t.Fatalf("Failed to start agent stub: %v", err)
	}
	defer agent.Close()
	agent.SetSessionHash("S1")

	h := startCollector(t, nil)
	op := h.dial(t)

	if status := op.addDevice(t, "stub", agent.Address(), agent.Port(), false); !status.IsOK() {
		t.Fatalf("AddDevice failed: %q", status.Reason)
	}
	hash := identity.DeviceHash(agent.Address(), agent.Port())

	op.deviceOp(t, envelope.ActionConnectDevice, hash)
	waitDeviceState(t, op, hash, "Connected")
	op.deviceOp(t, envelope.ActionStartCollecting, hash)
	waitDeviceState(t, op, hash, "Collecting")

	data, err := monitor.Pack(monitor.DataSysProcMeminfo, 1111, 2222,
		&monitor.SysProcMeminfo{MemTotal: 16384, MemFree: 8192})
	if err != nil {
		t.Fatalf("Failed to pack payload: %v", err)
	}
	if err := agent.SendData(data); err != nil {
		t.Fatalf("Failed to send data: %v", err)
	}
	waitFor(t, func() bool {
		return countRows(t, h.dbPath, storage.TableSysProcMeminfo) > 0
	}, "measurement never stored")

	agent.DropConnection()
	waitDeviceState(t, op, hash, "Disconnected")

	store := openStore(t, h.dbPath)
	waitFor(t, func() bool {
		sess := findSession(t, store, "S1")
		return sess != nil && sess.Ended > 0
	}, "session S1 never closed after peer EOF")

	before := countRows(t, h.dbPath, storage.TableSysProcMeminfo)
	time.Sleep(150 * time.Millisecond)
	if after := countRows(t, h.dbPath, storage.TableSysProcMeminfo); after != before {
		t.Fatalf("rows grew after disconnect: %d -> %d", before, after)
	}
}

// TestE2E_ControlHandshakeTimeout holds a control connection silent
// past the descriptor deadline and verifies the collector drops it but
// keeps serving new clients.
func TestE2E_ControlHandshakeTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := startCollector(t, nil)

	conn, err := net.DialTimeout("unix", h.socket, e2eWait)
	if err != nil {
		t.Fatalf("Failed to dial control socket: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(service.ControlHandshakeTimeout + 2*time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("silent connection should have been closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("collector never closed the silent connection")
	}

	op := h.dial(t)
	if listing := op.devices(t); listing != "" {
		t.Fatalf("fresh collector should list no devices, got %q", listing)
	}
}

// TestE2E_BackendSwitchEquivalence runs the same scenario against the
// embedded and the networked backend and compares the logical table
// contents. It needs a reachable postgresql server:
//
//	TKM_TEST_PG_ADDR=127.0.0.1:5432 TKM_TEST_PG_USER=taskmonitor \
//	TKM_TEST_PG_PASSWORD=... go test -run BackendSwitch
func TestE2E_BackendSwitchEquivalence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pgAddr := os.Getenv("TKM_TEST_PG_ADDR")
	if pgAddr == "" {
		t.Skip("set TKM_TEST_PG_ADDR to run against the networked backend")
	}
	host, portStr, err := net.SplitHostPort(pgAddr)
	if err != nil {
		t.Fatalf("bad TKM_TEST_PG_ADDR: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad TKM_TEST_PG_ADDR port: %v", err)
	}

	embedded := runScenario(t, nil)
	networked := runScenario(t, func(opts *config.Options) {
		opts.Set(config.KeyDatabaseType, config.DatabasePostgreSQL)
		opts.Set(config.KeyDBServerAddress, host)
		opts.Set(config.KeyDBServerPort, port)
		if v := os.Getenv("TKM_TEST_PG_USER"); v != "" {
			opts.Set(config.KeyDBUserName, v)
		}
		if v := os.Getenv("TKM_TEST_PG_PASSWORD"); v != "" {
			opts.Set(config.KeyDBUserPassword, v)
		}
		if v := os.Getenv("TKM_TEST_PG_NAME"); v != "" {
			opts.Set(config.KeyDBName, v)
		}
	})

	if embedded.devices != networked.devices {
		t.Errorf("device listings differ:\nembedded:  %q\nnetworked: %q",
			embedded.devices, networked.devices)
	}
	if embedded.sessions != networked.sessions {
		t.Errorf("session listings differ:\nembedded:  %q\nnetworked: %q",
			embedded.sessions, networked.sessions)
	}
}

type scenarioResult struct {
	devices  string
	sessions string
}

// Fields that legitimately differ between two runs of the same
// scenario: the stub agent port (and the hash derived from it), the
// collector-assigned session name, and the timestamps. ended=0 is kept
// literal so open and closed sessions still compare differently.
var runSpecific = []struct {
	re  *regexp.Regexp
	rep string
}{
	{regexp.MustCompile(`id=[0-9]{1,10} `), "id=<hash> "},
	{regexp.MustCompile(`device=[0-9]{1,10}`), "device=<hash>"},
	{regexp.MustCompile(`port=[0-9]+`), "port=<port>"},
	{regexp.MustCompile(`name=Collector\.[0-9]+\.[0-9]+`), "name=<session>"},
	{regexp.MustCompile(`started=[0-9]+`), "started=<ts>"},
	{regexp.MustCompile(`ended=[1-9][0-9]*`), "ended=<ts>"},
}

func maskRunSpecific(s string) string {
	for _, m := range runSpecific {
		s = m.re.ReplaceAllString(s, m.rep)
	}
	return s
}

// runScenario performs init, add, connect, collect, and disconnect
// against one backend and returns the listings with the run-specific
// fields masked.
func runScenario(t *testing.T, configure func(*config.Options)) scenarioResult {
	t.Helper()

	agent, err := agentstub.Listen()
	if err != nil {
		t.Fatalf("Failed to start agent stub: %v", err)
	}
	defer agent.Close()
	agent.SetSessionHash("S1")

	h := startCollector(t, configure)
	op := h.dial(t)

	if status := op.do(t, &envelope.Request{ID: "InitDatabase", Action: envelope.ActionInitDatabase, Forced: true}); !status.IsOK() {
		t.Fatalf("InitDatabase failed: %q", status.Reason)
	}
	if status := op.addDevice(t, "dev1", agent.Address(), agent.Port(), false); !status.IsOK() {
		t.Fatalf("AddDevice failed: %q", status.Reason)
	}
	hash := identity.DeviceHash(agent.Address(), agent.Port())

	op.deviceOp(t, envelope.ActionConnectDevice, hash)
	waitDeviceState(t, op, hash, "Connected")
	op.deviceOp(t, envelope.ActionStartCollecting, hash)
	waitDeviceState(t, op, hash, "Collecting")
	op.deviceOp(t, envelope.ActionDisconnectDevice, hash)
	waitDeviceState(t, op, hash, "Disconnected")

	var sessions string
	waitFor(t, func() bool {
		sessions = op.sessions(t)
		return strings.Contains(sessions, "id=S1") && !strings.Contains(sessions, "ended=0")
	}, "session S1 never closed")

	return scenarioResult{
		devices:  maskRunSpecific(op.devices(t)),
		sessions: maskRunSpecific(sessions),
	}
}
