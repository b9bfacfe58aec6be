package storage

import (
	"errors"
	"fmt"
)

// Store errors. Callers translate these into status replies.
var (
	// ErrDeviceExists indicates an AddDevice for a hash that is already
	// stored, without the forced flag.
	ErrDeviceExists = errors.New("Device already exists")

	// ErrNoSuchDevice indicates an operation on a hash with no stored
	// device row.
	ErrNoSuchDevice = errors.New("No such device")

	// ErrSessionExists indicates an AddSession for a hash that is
	// already stored, under the reject collision policy.
	ErrSessionExists = errors.New("session hash already exists")

	// ErrNoOpenSession indicates no session row with the given hash is
	// currently open.
	ErrNoOpenSession = errors.New("no open session")
)

// Device is one stored device row. Identity is the stable content hash
// over (address, port); the id is store-assigned and may differ between
// backends.
type Device struct {
	ID      int64
	Hash    string
	Name    string
	Address string
	Port    uint16
}

// Endpoint returns the dial address for the device.
func (d *Device) Endpoint() string {
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}

// Session is one stored session row. The hash is agent-assigned; the
// name is collector-assigned. Ended is zero while the session is open.
type Session struct {
	ID         int64
	Hash       string
	Name       string
	Started    int64
	Ended      int64
	DeviceID   int64
	DeviceHash string
}

// Open reports whether the session has not been ended.
func (s *Session) Open() bool {
	return s.Ended == 0
}
