package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
)

// controlClient is the operator side of a control socket connection.
// The collector registers it once the descriptor handshake completes.
type controlClient struct {
	conn    net.Conn
	framer  *envelope.Framer
	timeout time.Duration
}

func dialControl(path string, timeout time.Duration) (*controlClient, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("collector not reachable at %s: %w", path, err)
	}
	c := &controlClient{
		conn:    conn,
		framer:  envelope.NewFramer(conn),
		timeout: timeout,
	}
	if err := c.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *controlClient) handshake() error {
	desc := &envelope.Descriptor{ID: "tkm-control", PID: uint32(os.Getpid())}
	env, err := envelope.Seal(envelope.RecipientControl, envelope.RecipientCollector,
		envelope.KindDescriptor, desc)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	if err := c.framer.WriteDescriptorEnvelope(env); err != nil {
		return fmt.Errorf("control handshake failed: %w", err)
	}
	return nil
}

// Do sends one request and blocks for the matching status reply.
func (c *controlClient) Do(req *envelope.Request) (*envelope.Status, error) {
	env, err := envelope.Seal(envelope.RecipientControl, envelope.RecipientCollector,
		envelope.KindRequest, req)
	if err != nil {
		return nil, err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.framer.WriteEnvelope(env); err != nil {
		return nil, err
	}
	_ = c.conn.SetWriteDeadline(time.Time{})

	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		reply, err := c.framer.ReadEnvelope()
		if err != nil {
			return nil, err
		}
		if reply.Kind != envelope.KindStatus || !envelope.RecipientCollector.Accepts(reply.Origin) {
			continue
		}
		return envelope.DecodeStatus(reply)
	}
}

func (c *controlClient) Close() error {
	return c.conn.Close()
}
