package service

import (
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
)

// ControlClient is one accepted control connection after a completed
// descriptor handshake. The reader pump converts wire requests into
// dispatcher requests; the dispatcher writes status replies back
// through the framer.
type ControlClient struct {
	id     string
	pid    uint32
	conn   net.Conn
	framer *envelope.Framer

	logger     *zap.Logger
	dispatcher *Dispatcher

	closeOnce sync.Once
	onClose   func(*ControlClient)
}

func newControlClient(conn net.Conn, framer *envelope.Framer, desc *envelope.Descriptor,
	dispatcher *Dispatcher, logger *zap.Logger, onClose func(*ControlClient)) *ControlClient {

	c := &ControlClient{
		id:         uuid.New().String(),
		pid:        desc.PID,
		conn:       conn,
		framer:     framer,
		dispatcher: dispatcher,
		onClose:    onClose,
	}
	c.logger = logger.With(
		zap.String("client", c.id),
		zap.String("peer", desc.ID),
		zap.Uint32("pid", desc.PID))
	return c
}

// ID returns the connection identifier assigned at accept time.
func (c *ControlClient) ID() string { return c.id }

// PID returns the peer process id announced in the handshake.
func (c *ControlClient) PID() uint32 { return c.pid }

// SendStatus writes a status envelope to the client. Safe from any
// goroutine; the framer serializes writers.
func (c *ControlClient) SendStatus(status *envelope.Status) error {
	env, err := envelope.Seal(envelope.RecipientCollector, envelope.RecipientControl,
		envelope.KindStatus, status)
	if err != nil {
		return err
	}
	return c.framer.WriteEnvelope(env)
}

// Close shuts the connection down and unregisters the client.
// Idempotent.
func (c *ControlClient) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
		c.logger.Debug("control client closed")
	})
}

// readLoop pumps wire requests into the dispatcher queue. It runs on
// its own goroutine and exits when the read side fails; a framing
// error tears the connection down rather than resynchronizing.
func (c *ControlClient) readLoop() {
	defer c.Close()
	for {
		env, err := c.framer.ReadEnvelope()
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("control read failed", zap.Error(err))
			}
			return
		}
		if !envelope.RecipientControl.Accepts(env.Origin) {
			c.logger.Debug("envelope from unexpected origin, skipped",
				zap.String("origin", env.Origin.String()))
			continue
		}
		if env.Kind != envelope.KindRequest {
			c.logger.Debug("unexpected envelope kind from control client",
				zap.String("kind", env.Kind.String()))
			continue
		}

		req, err := envelope.DecodeRequest(env)
		if err != nil {
			c.logger.Warn("bad request envelope", zap.Error(err))
			continue
		}
		action, ok := controlAction(req.Action)
		if !ok {
			c.logger.Warn("action not accepted from control clients",
				zap.String("action", req.Action.String()))
			continue
		}
		id := req.ID
		if id == "" {
			id = req.Action.String()
		}

		if err := c.dispatcher.Submit(&DispatcherRequest{
			Action: action,
			Client: c,
			ID:     id,
			Args:   req.Args,
			Forced: req.Forced,
		}); err != nil {
			c.logger.Warn("dispatcher rejected request",
				zap.String("id", id), zap.Error(err))
			return
		}
	}
}

// controlAction maps a wire action to its dispatcher variant. Actions
// outside the control surface, like CreateSession, report false.
func controlAction(a envelope.Action) (DispatcherAction, bool) {
	switch a {
	case envelope.ActionInitDatabase:
		return DispatchInitDatabase, true
	case envelope.ActionQuitCollector:
		return DispatchQuitCollector, true
	case envelope.ActionGetDevices:
		return DispatchGetDevices, true
	case envelope.ActionGetSessions:
		return DispatchGetSessions, true
	case envelope.ActionAddDevice:
		return DispatchAddDevice, true
	case envelope.ActionRemoveDevice:
		return DispatchRemoveDevice, true
	case envelope.ActionConnectDevice:
		return DispatchConnectDevice, true
	case envelope.ActionDisconnectDevice:
		return DispatchDisconnectDevice, true
	case envelope.ActionStartCollecting:
		return DispatchStartCollecting, true
	case envelope.ActionStopCollecting:
		return DispatchStopCollecting, true
	case envelope.ActionRequestSession:
		return DispatchRequestSession, true
	default:
		return 0, false
	}
}
