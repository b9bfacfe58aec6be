package envelope

// Recipient identifies a peer role on a collector socket. Envelopes carry
// an origin and a target recipient so each end can reject traffic that
// was not produced by the peer it expects.
type Recipient uint8

const (
	// RecipientAny matches any role. Readers treat an Any origin as
	// acceptable from every peer.
	RecipientAny Recipient = 0

	// RecipientCollector is the collector service itself.
	RecipientCollector Recipient = 1

	// RecipientControl is a local control client.
	RecipientControl Recipient = 2

	// RecipientMonitor is a remote monitoring agent.
	RecipientMonitor Recipient = 3

	// RecipientServer is the listening side of a socket, kept for
	// compatibility with fixed-role headers.
	RecipientServer Recipient = 4

	// RecipientClient is the connecting side of a socket.
	RecipientClient Recipient = 5
)

// String returns the recipient role name.
func (r Recipient) String() string {
	switch r {
	case RecipientAny:
		return "Any"
	case RecipientCollector:
		return "Collector"
	case RecipientControl:
		return "Control"
	case RecipientMonitor:
		return "Monitor"
	case RecipientServer:
		return "Server"
	case RecipientClient:
		return "Client"
	default:
		return "Unknown"
	}
}

// Accepts reports whether an envelope with the given origin is acceptable
// for a reader expecting this role. RecipientAny matches everything.
func (r Recipient) Accepts(origin Recipient) bool {
	return origin == r || origin == RecipientAny || r == RecipientAny
}

// MessageKind identifies the inner message carried by an envelope.
type MessageKind uint8

const (
	// KindDescriptor announces peer identity; the first envelope on any
	// new connection.
	KindDescriptor MessageKind = 1

	// KindRequest carries a named operation with arguments.
	KindRequest MessageKind = 2

	// KindStatus carries the terminal reply for a request.
	KindStatus MessageKind = 3

	// KindSessionInfo carries an agent-assigned session identity.
	KindSessionInfo MessageKind = 4

	// KindStreamState enables or disables measurement streaming.
	KindStreamState MessageKind = 5

	// KindData carries one measurement payload. The collector treats the
	// payload as opaque and forwards it to storage.
	KindData MessageKind = 6
)

// String returns the message kind name.
func (k MessageKind) String() string {
	switch k {
	case KindDescriptor:
		return "Descriptor"
	case KindRequest:
		return "Request"
	case KindStatus:
		return "Status"
	case KindSessionInfo:
		return "SessionInfo"
	case KindStreamState:
		return "StreamState"
	case KindData:
		return "Data"
	default:
		return "Unknown"
	}
}

// Action identifies the operation named by a Request message. Values are
// part of the wire contract.
type Action uint8

const (
	ActionInitDatabase     Action = 1
	ActionQuitCollector    Action = 2
	ActionGetDevices       Action = 3
	ActionGetSessions      Action = 4
	ActionAddDevice        Action = 5
	ActionRemoveDevice     Action = 6
	ActionConnectDevice    Action = 7
	ActionDisconnectDevice Action = 8
	ActionStartCollecting  Action = 9
	ActionStopCollecting   Action = 10

	// ActionRequestSession is internal to the collector <-> agent leg:
	// it asks the agent to create a new session.
	ActionRequestSession Action = 11

	// ActionCreateSession is sent by the collector to an agent to open a
	// measurement session.
	ActionCreateSession Action = 12
)

// String returns the action name, which doubles as the conventional
// request id echoed back in status replies.
func (a Action) String() string {
	switch a {
	case ActionInitDatabase:
		return "InitDatabase"
	case ActionQuitCollector:
		return "QuitCollector"
	case ActionGetDevices:
		return "GetDevices"
	case ActionGetSessions:
		return "GetSessions"
	case ActionAddDevice:
		return "AddDevice"
	case ActionRemoveDevice:
		return "RemoveDevice"
	case ActionConnectDevice:
		return "ConnectDevice"
	case ActionDisconnectDevice:
		return "DisconnectDevice"
	case ActionStartCollecting:
		return "StartCollecting"
	case ActionStopCollecting:
		return "StopCollecting"
	case ActionRequestSession:
		return "RequestSession"
	case ActionCreateSession:
		return "CreateSession"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the action is a known wire value.
func (a Action) IsValid() bool {
	return a >= ActionInitDatabase && a <= ActionCreateSession
}

// StatusKind is the disposition reported by a Status message.
type StatusKind uint8

const (
	// StatusOK indicates the request was carried out.
	StatusOK StatusKind = 1

	// StatusBusy indicates the request cannot be served in the current
	// state; it may succeed later.
	StatusBusy StatusKind = 2

	// StatusError indicates the request failed.
	StatusError StatusKind = 3
)

// String returns the status disposition name.
func (s StatusKind) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBusy:
		return "Busy"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}
