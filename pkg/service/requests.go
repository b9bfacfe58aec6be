package service

import (
	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/monitor"
	"github.com/taskmonitor/tkm-collector/pkg/storage"
)

// DispatcherAction tags a DispatcherRequest. One variant exists per
// control action plus the terminal SendStatus.
type DispatcherAction uint8

const (
	DispatchInitDatabase DispatcherAction = iota + 1
	DispatchQuitCollector
	DispatchGetDevices
	DispatchGetSessions
	DispatchAddDevice
	DispatchRemoveDevice
	DispatchConnectDevice
	DispatchDisconnectDevice
	DispatchStartCollecting
	DispatchStopCollecting
	DispatchRequestSession

	// DispatchSendStatus writes a Status envelope to the originating
	// client. It is terminal: no handler enqueues further work for it.
	DispatchSendStatus
)

// String returns the action name.
func (a DispatcherAction) String() string {
	switch a {
	case DispatchInitDatabase:
		return "InitDatabase"
	case DispatchQuitCollector:
		return "QuitCollector"
	case DispatchGetDevices:
		return "GetDevices"
	case DispatchGetSessions:
		return "GetSessions"
	case DispatchAddDevice:
		return "AddDevice"
	case DispatchRemoveDevice:
		return "RemoveDevice"
	case DispatchConnectDevice:
		return "ConnectDevice"
	case DispatchDisconnectDevice:
		return "DisconnectDevice"
	case DispatchStartCollecting:
		return "StartCollecting"
	case DispatchStopCollecting:
		return "StopCollecting"
	case DispatchRequestSession:
		return "RequestSession"
	case DispatchSendStatus:
		return "SendStatus"
	default:
		return "Unknown"
	}
}

// DispatcherRequest is one element of the dispatcher queue.
type DispatcherRequest struct {
	Action DispatcherAction

	// Client is the originating control client, nil for internal
	// requests (signals, discovery, seeds). Status replies go to it.
	Client *ControlClient

	// ID is the request id echoed in the status reply.
	ID string

	// Args carries the string arguments from the wire request.
	Args map[string]string

	// Forced mirrors the wire request's forced flag.
	Forced bool

	// SendStatus payload.
	What   envelope.StatusKind
	Reason string
}

// DeviceAction tags a DeviceRequest.
type DeviceAction uint8

const (
	// DeviceConnect dials the agent and sends the descriptor.
	DeviceConnect DeviceAction = iota + 1

	// DeviceDisconnect tears the connection down on operator request.
	DeviceDisconnect

	// DeviceStartCollecting negotiates a session and then starts the
	// stream.
	DeviceStartCollecting

	// DeviceStopCollecting stops the stream, keeping the session open.
	DeviceStopCollecting

	// DeviceRequestSession negotiates a session without streaming.
	DeviceRequestSession

	// DeviceSetSession delivers the agent's SessionInfo reply.
	DeviceSetSession

	// DeviceStartStream sends the stream-enable message. Self-enqueued
	// after a session is set during a StartCollecting flow.
	DeviceStartStream

	// DeviceProcessData forwards one measurement frame to storage.
	DeviceProcessData

	// DevicePeerClosed reports socket loss from the reader goroutine.
	DevicePeerClosed

	// DeviceRedial retries the connect during an auto-reconnect cycle.
	DeviceRedial
)

// String returns the action name.
func (a DeviceAction) String() string {
	switch a {
	case DeviceConnect:
		return "Connect"
	case DeviceDisconnect:
		return "Disconnect"
	case DeviceStartCollecting:
		return "StartCollecting"
	case DeviceStopCollecting:
		return "StopCollecting"
	case DeviceRequestSession:
		return "RequestSession"
	case DeviceSetSession:
		return "SetSession"
	case DeviceStartStream:
		return "StartStream"
	case DeviceProcessData:
		return "ProcessData"
	case DevicePeerClosed:
		return "PeerClosed"
	case DeviceRedial:
		return "Redial"
	default:
		return "Unknown"
	}
}

// DeviceRequest is one element of a device worker queue.
type DeviceRequest struct {
	Action DeviceAction

	// Client and ID identify the operator request awaiting a status
	// reply; nil/empty for agent-originated and internal requests.
	Client *ControlClient
	ID     string

	// Session is the SetSession payload.
	Session *envelope.SessionInfo

	// Data and RecvTime are the ProcessData payload: the decoded frame
	// and the epoch second it was read off the socket.
	Data     *monitor.Data
	RecvTime int64

	// Gen identifies the connection a PeerClosed report belongs to, so
	// reports for a connection the worker already replaced are ignored.
	Gen uint64
}

// DatabaseAction tags a DatabaseRequest.
type DatabaseAction uint8

const (
	DatabaseCheck DatabaseAction = iota + 1
	DatabaseInit
	DatabaseLoadDevices
	DatabaseGetDevices
	DatabaseAddDevice
	DatabaseRemoveDevice
	DatabaseGetSessions
	DatabaseAddSession
	DatabaseRemoveSession
	DatabaseEndSession
	DatabaseCleanSessions
	DatabaseAddData

	// DatabaseDisconnect closes the backend connection. With Quit set
	// it also stops the collector once the close completes; queue order
	// guarantees earlier writes are flushed first.
	DatabaseDisconnect
)

// String returns the action name.
func (a DatabaseAction) String() string {
	switch a {
	case DatabaseCheck:
		return "Check"
	case DatabaseInit:
		return "Init"
	case DatabaseLoadDevices:
		return "LoadDevices"
	case DatabaseGetDevices:
		return "GetDevices"
	case DatabaseAddDevice:
		return "AddDevice"
	case DatabaseRemoveDevice:
		return "RemoveDevice"
	case DatabaseGetSessions:
		return "GetSessions"
	case DatabaseAddSession:
		return "AddSession"
	case DatabaseRemoveSession:
		return "RemoveSession"
	case DatabaseEndSession:
		return "EndSession"
	case DatabaseCleanSessions:
		return "CleanSessions"
	case DatabaseAddData:
		return "AddData"
	case DatabaseDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// DatabaseRequest is one element of the database worker queue.
type DatabaseRequest struct {
	Action DatabaseAction

	// Client and ID identify the operator request awaiting a status
	// reply; nil/empty for internal requests.
	Client *ControlClient
	ID     string

	// Args carries string arguments (AddDevice fields, hash filters).
	Args   map[string]string
	Forced bool

	// Quit, with DatabaseDisconnect, stops the collector after closing.
	Quit bool

	// Session is the AddSession payload.
	Session *storage.Session

	// SessionHash names the session for EndSession and AddData.
	SessionHash string

	// Data and RecvTime are the AddData payload.
	Data     *monitor.Data
	RecvTime int64
}
