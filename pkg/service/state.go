package service

// DeviceState is the lifecycle state of a managed device.
//
// Transitions are driven by device worker events only; the dispatcher
// and database worker never mutate state directly.
type DeviceState uint8

const (
	StateUnknown DeviceState = iota

	// StateLoaded: known to the store, never connected this run.
	StateLoaded

	// StateConnected: transport up, descriptor sent, no session yet.
	StateConnected

	// StateSessionSet: agent assigned a session hash, stream off.
	StateSessionSet

	// StateCollecting: stream enabled, measurements flowing.
	StateCollecting

	// StateIdle: stream stopped, session still open.
	StateIdle

	// StateDisconnected: transport down after having been up.
	StateDisconnected

	// StateReconnecting: transport lost, redial scheduled.
	StateReconnecting
)

// String returns the state name.
func (s DeviceState) String() string {
	switch s {
	case StateLoaded:
		return "Loaded"
	case StateConnected:
		return "Connected"
	case StateSessionSet:
		return "SessionSet"
	case StateCollecting:
		return "Collecting"
	case StateIdle:
		return "Idle"
	case StateDisconnected:
		return "Disconnected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}
