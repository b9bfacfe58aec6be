package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for collector messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for collector messages.
var decMode cbor.DecMode

func init() {
	var err error

	// Deterministic output so identical messages encode identically
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient decoding for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Seal packs an inner message into an envelope of the given kind.
func Seal(origin, target Recipient, kind MessageKind, body any) (*Envelope, error) {
	raw, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", kind, err)
	}
	return &Envelope{Origin: origin, Target: target, Kind: kind, Body: raw}, nil
}

// Open decodes the envelope body into v.
func (e *Envelope) Open(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%s envelope has no body", e.Kind)
	}
	if err := Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", e.Kind, err)
	}
	return nil
}

// EncodeEnvelope encodes an envelope to CBOR bytes.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return Marshal(e)
}

// DecodeEnvelope decodes CBOR bytes into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &e, nil
}

// DecodeDescriptor unpacks a Descriptor body.
func DecodeDescriptor(e *Envelope) (*Descriptor, error) {
	if e.Kind != KindDescriptor {
		return nil, fmt.Errorf("not a descriptor envelope: %s", e.Kind)
	}
	var d Descriptor
	if err := e.Open(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeRequest unpacks and validates a Request body.
func DecodeRequest(e *Envelope) (*Request, error) {
	if e.Kind != KindRequest {
		return nil, fmt.Errorf("not a request envelope: %s", e.Kind)
	}
	var r Request
	if err := e.Open(&r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &r, nil
}

// DecodeStatus unpacks a Status body.
func DecodeStatus(e *Envelope) (*Status, error) {
	if e.Kind != KindStatus {
		return nil, fmt.Errorf("not a status envelope: %s", e.Kind)
	}
	var s Status
	if err := e.Open(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DecodeSessionInfo unpacks a SessionInfo body.
func DecodeSessionInfo(e *Envelope) (*SessionInfo, error) {
	if e.Kind != KindSessionInfo {
		return nil, fmt.Errorf("not a session-info envelope: %s", e.Kind)
	}
	var si SessionInfo
	if err := e.Open(&si); err != nil {
		return nil, err
	}
	return &si, nil
}

// DecodeStreamState unpacks a StreamState body.
func DecodeStreamState(e *Envelope) (*StreamState, error) {
	if e.Kind != KindStreamState {
		return nil, fmt.Errorf("not a stream-state envelope: %s", e.Kind)
	}
	var st StreamState
	if err := e.Open(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Clone creates a deep copy of a message by re-encoding it.
func Clone[T any](v T) (T, error) {
	var result T
	data, err := Marshal(v)
	if err != nil {
		return result, err
	}
	err = Unmarshal(data, &result)
	return result, err
}
