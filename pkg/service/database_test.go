package service

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/identity"
	"github.com/taskmonitor/tkm-collector/pkg/storage"
)

// control submits one operator request through the dispatcher and
// returns the status reply.
func (f *deviceFixture) control(t *testing.T, action DispatcherAction, id string, args map[string]string, forced bool) *envelope.Status {
	t.Helper()
	client, framer := f.controlPair(t)
	err := f.disp.Submit(&DispatcherRequest{
		Action: action, Client: client, ID: id, Args: args, Forced: forced,
	})
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", action, err)
	}
	return readStatus(t, framer)
}

func addDeviceArgs(name, address, port string) map[string]string {
	return map[string]string{
		envelope.ArgName:    name,
		envelope.ArgAddress: address,
		envelope.ArgPort:    port,
	}
}

func TestAddDeviceSpawnsWorker(t *testing.T) {
	f := newDeviceFixture(t)

	status := f.control(t, DispatchAddDevice, "AddDevice",
		addDeviceArgs("rack-agent", "192.168.4.20", "3357"), false)
	if !status.IsOK() {
		t.Fatalf("status = %s %q, want OK", status.What, status.Reason)
	}
	if status.Reason != "Device added" {
		t.Errorf("status reason = %q, want %q", status.Reason, "Device added")
	}
	if status.RequestID != "AddDevice" {
		t.Errorf("status request id = %q, want %q", status.RequestID, "AddDevice")
	}

	hash := identity.DeviceHash("192.168.4.20", 3357)
	row, err := f.store.DeviceByHash(hash)
	if err != nil {
		t.Fatalf("DeviceByHash() error = %v", err)
	}
	if row.Name != "rack-agent" {
		t.Errorf("stored name = %q, want %q", row.Name, "rack-agent")
	}

	dev := f.manager.Get(hash)
	if dev == nil {
		t.Fatalf("no worker spawned for %s", hash)
	}
	if dev.State() != StateLoaded {
		t.Errorf("worker state = %s, want %s", dev.State(), StateLoaded)
	}
}

func TestAddDeviceDuplicate(t *testing.T) {
	f := newDeviceFixture(t)
	args := addDeviceArgs("rack-agent", "192.168.4.20", "3357")

	if status := f.control(t, DispatchAddDevice, "AddDevice", args, false); !status.IsOK() {
		t.Fatalf("first add status = %s %q, want OK", status.What, status.Reason)
	}

	status := f.control(t, DispatchAddDevice, "AddDevice", args, false)
	if status.What != envelope.StatusError {
		t.Errorf("status = %s, want %s", status.What, envelope.StatusError)
	}
	if status.Reason != "Device already exists" {
		t.Errorf("status reason = %q, want %q", status.Reason, "Device already exists")
	}
}

func TestAddDeviceForcedReplaces(t *testing.T) {
	f := newDeviceFixture(t)

	if status := f.control(t, DispatchAddDevice, "AddDevice",
		addDeviceArgs("old-name", "192.168.4.20", "3357"), false); !status.IsOK() {
		t.Fatalf("first add status = %s %q, want OK", status.What, status.Reason)
	}
	hash := identity.DeviceHash("192.168.4.20", 3357)
	before := f.manager.Get(hash)
	if before == nil {
		t.Fatalf("no worker spawned for %s", hash)
	}

	status := f.control(t, DispatchAddDevice, "AddDevice",
		addDeviceArgs("new-name", "192.168.4.20", "3357"), true)
	if !status.IsOK() {
		t.Fatalf("forced add status = %s %q, want OK", status.What, status.Reason)
	}

	row, err := f.store.DeviceByHash(hash)
	if err != nil {
		t.Fatalf("DeviceByHash() error = %v", err)
	}
	if row.Name != "new-name" {
		t.Errorf("stored name = %q, want %q", row.Name, "new-name")
	}

	after := f.manager.Get(hash)
	if after == nil {
		t.Fatalf("worker gone after forced add")
	}
	if after == before {
		t.Errorf("forced add kept the old worker")
	}
}

func TestAddDeviceInvalidArguments(t *testing.T) {
	f := newDeviceFixture(t)

	cases := []struct {
		name   string
		args   map[string]string
		reason string
	}{
		{"missing name", addDeviceArgs("", "192.168.4.20", "3357"), "Invalid device arguments"},
		{"missing address", addDeviceArgs("agent", "", "3357"), "Invalid device arguments"},
		{"missing port", addDeviceArgs("agent", "192.168.4.20", ""), "Invalid device arguments"},
		{"port zero", addDeviceArgs("agent", "192.168.4.20", "0"), "Invalid device port"},
		{"port not numeric", addDeviceArgs("agent", "192.168.4.20", "http"), "Invalid device port"},
		{"port out of range", addDeviceArgs("agent", "192.168.4.20", "70000"), "Invalid device port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := f.control(t, DispatchAddDevice, "AddDevice", tc.args, false)
			if status.What != envelope.StatusError {
				t.Errorf("status = %s, want %s", status.What, envelope.StatusError)
			}
			if status.Reason != tc.reason {
				t.Errorf("status reason = %q, want %q", status.Reason, tc.reason)
			}
		})
	}
}

func TestRemoveDevice(t *testing.T) {
	f := newDeviceFixture(t)

	if status := f.control(t, DispatchAddDevice, "AddDevice",
		addDeviceArgs("rack-agent", "192.168.4.20", "3357"), false); !status.IsOK() {
		t.Fatalf("add status = %s %q, want OK", status.What, status.Reason)
	}
	hash := identity.DeviceHash("192.168.4.20", 3357)

	status := f.control(t, DispatchRemoveDevice, "RemoveDevice",
		map[string]string{envelope.ArgHash: hash}, false)
	if !status.IsOK() {
		t.Fatalf("remove status = %s %q, want OK", status.What, status.Reason)
	}
	if status.Reason != "Device removed" {
		t.Errorf("status reason = %q, want %q", status.Reason, "Device removed")
	}

	if dev := f.manager.Get(hash); dev != nil {
		t.Errorf("worker for %s still managed", hash)
	}
	if _, err := f.store.DeviceByHash(hash); !errors.Is(err, storage.ErrNoSuchDevice) {
		t.Errorf("DeviceByHash() error = %v, want %v", err, storage.ErrNoSuchDevice)
	}
}

func TestRemoveDeviceUnknown(t *testing.T) {
	f := newDeviceFixture(t)

	status := f.control(t, DispatchRemoveDevice, "RemoveDevice",
		map[string]string{envelope.ArgHash: "ffffffff"}, false)
	if status.What != envelope.StatusError {
		t.Errorf("status = %s, want %s", status.What, envelope.StatusError)
	}
	if status.Reason != "No such device" {
		t.Errorf("status reason = %q, want %q", status.Reason, "No such device")
	}
}

func TestGetDevicesListing(t *testing.T) {
	f := newDeviceFixture(t)

	if status := f.control(t, DispatchAddDevice, "AddDevice",
		addDeviceArgs("alpha", "192.168.4.20", "3357"), false); !status.IsOK() {
		t.Fatalf("add status = %s %q, want OK", status.What, status.Reason)
	}
	if status := f.control(t, DispatchAddDevice, "AddDevice",
		addDeviceArgs("beta", "192.168.4.21", "3357"), false); !status.IsOK() {
		t.Fatalf("add status = %s %q, want OK", status.What, status.Reason)
	}

	status := f.control(t, DispatchGetDevices, "GetDevices", nil, false)
	if !status.IsOK() {
		t.Fatalf("status = %s %q, want OK", status.What, status.Reason)
	}

	lines := strings.Split(status.Reason, "\n")
	if len(lines) != 2 {
		t.Fatalf("listing has %d lines, want 2:\n%s", len(lines), status.Reason)
	}
	want := fmt.Sprintf("id=%s name=alpha address=192.168.4.20 port=3357 state=Loaded",
		identity.DeviceHash("192.168.4.20", 3357))
	found := false
	for _, line := range lines {
		if line == want {
			found = true
		}
	}
	if !found {
		t.Errorf("listing missing %q:\n%s", want, status.Reason)
	}
}

func TestGetSessionsListing(t *testing.T) {
	f := newDeviceFixture(t)

	row := &storage.Device{Hash: "11111111", Name: "alpha", Address: "10.0.0.1", Port: 3357}
	if err := f.store.AddDevice(row, false); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	other := &storage.Device{Hash: "22222222", Name: "beta", Address: "10.0.0.2", Port: 3357}
	if err := f.store.AddDevice(other, false); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	sess := &storage.Session{Hash: "aaaa", Name: "Collector.1.100", Started: 100, DeviceHash: row.Hash}
	if err := f.store.AddSession(sess); err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}
	sess2 := &storage.Session{Hash: "bbbb", Name: "Collector.1.200", Started: 200, DeviceHash: other.Hash}
	if err := f.store.AddSession(sess2); err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	status := f.control(t, DispatchGetSessions, "GetSessions", nil, false)
	if !status.IsOK() {
		t.Fatalf("status = %s %q, want OK", status.What, status.Reason)
	}
	if got := len(strings.Split(status.Reason, "\n")); got != 2 {
		t.Fatalf("listing has %d lines, want 2:\n%s", got, status.Reason)
	}

	// Filtered by device hash.
	status = f.control(t, DispatchGetSessions, "GetSessions",
		map[string]string{envelope.ArgHash: row.Hash}, false)
	if !status.IsOK() {
		t.Fatalf("filtered status = %s %q, want OK", status.What, status.Reason)
	}
	if !strings.Contains(status.Reason, "id=aaaa") || strings.Contains(status.Reason, "id=bbbb") {
		t.Errorf("filtered listing = %q, want only session aaaa", status.Reason)
	}
}

func TestRouteUnknownDevice(t *testing.T) {
	f := newDeviceFixture(t)

	status := f.control(t, DispatchConnectDevice, "Connect#7",
		map[string]string{envelope.ArgHash: "ffffffff"}, false)
	if status.What != envelope.StatusError {
		t.Errorf("status = %s, want %s", status.What, envelope.StatusError)
	}
	if status.Reason != "No such device" {
		t.Errorf("status reason = %q, want %q", status.Reason, "No such device")
	}
	if status.RequestID != "Connect#7" {
		t.Errorf("status request id = %q, want %q", status.RequestID, "Connect#7")
	}
}

func TestLoadDevicesSpawnsWorkers(t *testing.T) {
	f := newDeviceFixture(t)

	rows := []*storage.Device{
		{Hash: "11111111", Name: "alpha", Address: "10.0.0.1", Port: 3357},
		{Hash: "22222222", Name: "beta", Address: "10.0.0.2", Port: 3357},
	}
	for _, row := range rows {
		if err := f.store.AddDevice(row, false); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}
	}

	if err := f.db.Submit(&DatabaseRequest{Action: DatabaseLoadDevices}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	deadline := time.Now().Add(testWait)
	for f.manager.Len() != len(rows) {
		if time.Now().After(deadline) {
			t.Fatalf("manager tracks %d workers, want %d", f.manager.Len(), len(rows))
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, row := range rows {
		dev := f.manager.Get(row.Hash)
		if dev == nil {
			t.Fatalf("no worker for %s", row.Hash)
		}
		if dev.State() != StateLoaded {
			t.Errorf("worker %s state = %s, want %s", row.Hash, dev.State(), StateLoaded)
		}
	}
}

func TestCleanSessionsEndsStaleRows(t *testing.T) {
	f := newDeviceFixture(t)

	rows := []*storage.Device{
		{Hash: "11111111", Name: "alpha", Address: "10.0.0.1", Port: 3357},
		{Hash: "22222222", Name: "beta", Address: "10.0.0.2", Port: 3357},
	}
	for i, row := range rows {
		if err := f.store.AddDevice(row, false); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}
		sess := &storage.Session{
			Hash:       fmt.Sprintf("stale-%d", i),
			Name:       fmt.Sprintf("Collector.1.%d", i),
			Started:    int64(100 + i),
			DeviceHash: row.Hash,
		}
		if err := f.store.AddSession(sess); err != nil {
			t.Fatalf("AddSession() error = %v", err)
		}
	}
	open, err := f.store.OpenSessions()
	if err != nil {
		t.Fatalf("OpenSessions() error = %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open sessions = %d, want 2", len(open))
	}

	if err := f.db.Submit(&DatabaseRequest{Action: DatabaseCleanSessions}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	deadline := time.Now().Add(testWait)
	for {
		open, err = f.store.OpenSessions()
		if err != nil {
			t.Fatalf("OpenSessions() error = %v", err)
		}
		if len(open) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d sessions still open after clean", len(open))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitForcedRetiresWorkers(t *testing.T) {
	f := newDeviceFixture(t)

	if status := f.control(t, DispatchAddDevice, "AddDevice",
		addDeviceArgs("rack-agent", "192.168.4.20", "3357"), false); !status.IsOK() {
		t.Fatalf("add status = %s %q, want OK", status.What, status.Reason)
	}

	status := f.control(t, DispatchInitDatabase, "InitDatabase", nil, true)
	if !status.IsOK() {
		t.Fatalf("init status = %s %q, want OK", status.What, status.Reason)
	}
	if status.Reason != "Database initialized" {
		t.Errorf("status reason = %q, want %q", status.Reason, "Database initialized")
	}

	if n := f.manager.Len(); n != 0 {
		t.Errorf("manager tracks %d workers after forced init, want 0", n)
	}
	rows, err := f.store.Devices()
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("stored devices = %d after forced init, want 0", len(rows))
	}
}

func TestQuitStopsLoop(t *testing.T) {
	f := newDeviceFixture(t)

	status := f.control(t, DispatchQuitCollector, "QuitCollector", nil, false)
	if !status.IsOK() {
		t.Fatalf("status = %s %q, want OK", status.What, status.Reason)
	}
	if status.Reason != "Collector shutting down" {
		t.Errorf("status reason = %q, want %q", status.Reason, "Collector shutting down")
	}

	select {
	case <-f.done:
	case <-time.After(testWait):
		t.Fatalf("loop still running after quit")
	}
}
