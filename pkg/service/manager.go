package service

import "sync"

// Manager tracks device workers keyed by device hash.
type Manager struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{devices: make(map[string]*Device)}
}

// Add registers a worker. It reports false and leaves the existing
// worker in place when the hash is already managed.
func (m *Manager) Add(d *Device) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.Hash()]; ok {
		return false
	}
	m.devices[d.Hash()] = d
	return true
}

// Get returns the worker for hash, or nil.
func (m *Manager) Get(hash string) *Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[hash]
}

// Remove unregisters the worker for hash and tears its connection
// down without recording a session end. It returns the removed
// worker, or nil when the hash is not managed.
func (m *Manager) Remove(hash string) *Device {
	m.mu.Lock()
	d := m.devices[hash]
	delete(m.devices, hash)
	m.mu.Unlock()
	if d != nil {
		d.DisconnectNow(false)
	}
	return d
}

// Snapshot returns the managed workers in unspecified order.
func (m *Manager) Snapshot() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// Len returns the number of managed workers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// StateOf returns the state of the worker for hash, StateUnknown when
// no such worker exists.
func (m *Manager) StateOf(hash string) DeviceState {
	d := m.Get(hash)
	if d == nil {
		return StateUnknown
	}
	return d.State()
}
