// Package monitor defines the measurement payloads produced by remote
// monitoring agents.
//
// The collector never interprets these beyond routing: a Data envelope
// carries a kind tag, agent-side timestamps, and the still-encoded
// payload. The storage layer decodes the payload for the matching kind
// and writes one or more rows.
package monitor
