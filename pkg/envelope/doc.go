// Package envelope defines the framed CBOR wire format spoken on every
// collector socket: control client to collector (Unix domain) and
// collector to monitoring agent (TCP).
//
// Every record on the wire is an Envelope: origin and target recipient
// tags, a message kind, and the packed inner message. Readers drop
// envelopes whose origin does not match the expected peer role.
//
// # Framing
//
//	┌────────────────────────────────┐
//	│      CBOR Envelope             │
//	├────────────────────────────────┤
//	│   varint u32 length prefix     │
//	├────────────────────────────────┤
//	│     TCP / Unix SOCK_STREAM     │
//	└────────────────────────────────┘
//
// The length prefix is a varint-encoded unsigned 32-bit value. Descriptor
// handshakes are the one exception: their length field is padded to
// 8 bytes on the wire so a peer can take the whole header in a single
// read. Only the leading varint bytes of the padded header are
// meaningful; the remainder is zero fill kept for compatibility with
// fixed-width headers.
//
// # CBOR Integer Keys
//
// All messages use integer map keys for compactness. Key assignments are
// part of the external contract and must not be renumbered.
package envelope
