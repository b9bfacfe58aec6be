package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Argument keys used in Request.Args. Values are always strings; numeric
// arguments travel in decimal form.
const (
	ArgName    = "name"
	ArgAddress = "address"
	ArgPort    = "port"
	ArgHash    = "hash"
)

// Envelope is the universal framed wire record. The Body holds the inner
// message, still CBOR-encoded, so an envelope can cross schema boundaries
// without the carrier understanding the payload.
//
// CBOR encoding:
//
//	{
//	  1: origin,   // uint8 recipient role
//	  2: target,   // uint8 recipient role
//	  3: kind,     // uint8 message kind
//	  4: body      // byte string: CBOR inner message
//	}
type Envelope struct {
	Origin Recipient       `cbor:"1,keyasint"`
	Target Recipient       `cbor:"2,keyasint"`
	Kind   MessageKind     `cbor:"3,keyasint"`
	Body   cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

// Validate checks the envelope header fields.
func (e *Envelope) Validate() error {
	if e.Kind < KindDescriptor || e.Kind > KindData {
		return fmt.Errorf("invalid message kind: %d", uint8(e.Kind))
	}
	if e.Origin > RecipientClient {
		return fmt.Errorf("invalid origin: %d", uint8(e.Origin))
	}
	if e.Target > RecipientClient {
		return fmt.Errorf("invalid target: %d", uint8(e.Target))
	}
	return nil
}

// Descriptor announces peer identity. It is the first envelope exchanged
// on every new connection.
//
// CBOR encoding:
//
//	{
//	  1: id,   // string: peer name, e.g. "Collector"
//	  2: pid   // uint32: peer process id
//	}
type Descriptor struct {
	ID  string `cbor:"1,keyasint"`
	PID uint32 `cbor:"2,keyasint,omitempty"`
}

// Request carries a named operation. ID is a caller-chosen correlation
// string echoed back in the Status reply; by convention it is the action
// name.
//
// CBOR encoding:
//
//	{
//	  1: id,      // string: request id echoed in status replies
//	  2: action,  // uint8 Action
//	  3: args,    // map[string]string, optional
//	  4: forced   // bool, optional
//	}
type Request struct {
	ID     string            `cbor:"1,keyasint,omitempty"`
	Action Action            `cbor:"2,keyasint"`
	Args   map[string]string `cbor:"3,keyasint,omitempty"`
	Forced bool              `cbor:"4,keyasint,omitempty"`
}

// Validate checks that the request names a known action.
func (r *Request) Validate() error {
	if !r.Action.IsValid() {
		return fmt.Errorf("invalid action: %d", uint8(r.Action))
	}
	return nil
}

// Arg returns the named argument or "" when absent.
func (r *Request) Arg(key string) string {
	if r.Args == nil {
		return ""
	}
	return r.Args[key]
}

// Status is the terminal reply for a request. Reason is human-readable;
// enumeration replies (device and session listings) travel in Reason as
// one line per entry.
//
// CBOR encoding:
//
//	{
//	  1: request_id,  // string: matches Request.ID
//	  2: what,        // uint8 StatusKind
//	  3: reason       // string, optional
//	}
type Status struct {
	RequestID string     `cbor:"1,keyasint,omitempty"`
	What      StatusKind `cbor:"2,keyasint"`
	Reason    string     `cbor:"3,keyasint,omitempty"`
}

// IsOK reports whether the status indicates success.
func (s *Status) IsOK() bool {
	return s.What == StatusOK
}

// SessionInfo carries a session identity. The hash is assigned by the
// agent; the name is assigned by the collector before the session is
// persisted.
//
// CBOR encoding:
//
//	{
//	  1: hash,       // string: agent-assigned session hash
//	  2: name,       // string: collector-assigned session name
//	  3: keepalive   // uint32: agent keepalive interval, seconds
//	}
type SessionInfo struct {
	Hash      string `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint,omitempty"`
	KeepAlive uint32 `cbor:"3,keyasint,omitempty"`
}

// StreamState enables or disables measurement streaming for the open
// session.
//
// CBOR encoding:
//
//	{
//	  1: enabled  // bool
//	}
type StreamState struct {
	Enabled bool `cbor:"1,keyasint"`
}
