// Package agentstub provides a scriptable in-process monitoring agent.
// Tests point the collector at it to exercise the full connect,
// session, and streaming flow over real sockets.
package agentstub

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/monitor"
)

// Agent is a fake monitoring agent listening on a loopback TCP port.
// It answers the descriptor handshake, assigns session hashes, and
// acknowledges stream toggles; tests observe the traffic through the
// Wait helpers and inject frames with SendData.
type Agent struct {
	listener net.Listener

	mu          sync.Mutex
	sessionHash string
	keepAlive   uint32
	active      *stubConn
	descriptors []*envelope.Descriptor
	requests    []*envelope.Request
	sessions    int
	streaming   bool
	closed      bool

	descCh   chan *envelope.Descriptor
	reqCh    chan *envelope.Request
	streamCh chan bool
}

type stubConn struct {
	conn      net.Conn
	framer    *envelope.Framer
	closeOnce sync.Once
}

func (c *stubConn) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

// Listen starts an agent on an ephemeral loopback port.
func Listen() (*Agent, error) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	a := &Agent{
		listener: listener,
		descCh:   make(chan *envelope.Descriptor, 16),
		reqCh:    make(chan *envelope.Request, 16),
		streamCh: make(chan bool, 16),
	}
	go a.acceptLoop()
	return a, nil
}

// Address returns the loopback address the agent listens on.
func (a *Agent) Address() string {
	host, _, _ := net.SplitHostPort(a.listener.Addr().String())
	return host
}

// Port returns the agent's listening port.
func (a *Agent) Port() uint16 {
	_, port, _ := net.SplitHostPort(a.listener.Addr().String())
	var p uint16
	_, _ = fmt.Sscanf(port, "%d", &p)
	return p
}

// SetSessionHash pins the hash assigned on every CreateSession. An
// empty value restores generated hashes.
func (a *Agent) SetSessionHash(hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionHash = hash
}

// SetKeepAlive sets the keepalive interval advertised with sessions.
func (a *Agent) SetKeepAlive(seconds uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keepAlive = seconds
}

// Sessions returns how many CreateSession requests were answered.
func (a *Agent) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions
}

// Streaming reports the last stream state set by the collector.
func (a *Agent) Streaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

// Requests returns the wire requests received so far.
func (a *Agent) Requests() []*envelope.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*envelope.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

// WaitDescriptor blocks until a connection completes its handshake.
func (a *Agent) WaitDescriptor(timeout time.Duration) (*envelope.Descriptor, error) {
	select {
	case desc := <-a.descCh:
		return desc, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no descriptor within %v", timeout)
	}
}

// WaitRequest blocks until the collector sends a request.
func (a *Agent) WaitRequest(timeout time.Duration) (*envelope.Request, error) {
	select {
	case req := <-a.reqCh:
		return req, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no request within %v", timeout)
	}
}

// WaitStream blocks until the collector toggles the stream to enabled.
func (a *Agent) WaitStream(enabled bool, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case state := <-a.streamCh:
			if state == enabled {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("stream did not become %v within %v", enabled, timeout)
		}
	}
}

// SendData pushes one measurement frame to the collector.
func (a *Agent) SendData(data *monitor.Data) error {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active == nil {
		return fmt.Errorf("no active connection")
	}
	env, err := envelope.Seal(envelope.RecipientMonitor, envelope.RecipientCollector,
		envelope.KindData, data)
	if err != nil {
		return err
	}
	return active.framer.WriteEnvelope(env)
}

// SendSessionInfo pushes an unsolicited session assignment.
func (a *Agent) SendSessionInfo(hash string) error {
	a.mu.Lock()
	active := a.active
	keepAlive := a.keepAlive
	a.mu.Unlock()
	if active == nil {
		return fmt.Errorf("no active connection")
	}
	env, err := envelope.Seal(envelope.RecipientMonitor, envelope.RecipientCollector,
		envelope.KindSessionInfo, &envelope.SessionInfo{Hash: hash, KeepAlive: keepAlive})
	if err != nil {
		return err
	}
	return active.framer.WriteEnvelope(env)
}

// DropConnection closes the active connection, as an agent crash
// would. The listener keeps accepting.
func (a *Agent) DropConnection() {
	a.mu.Lock()
	active := a.active
	a.active = nil
	a.mu.Unlock()
	if active != nil {
		active.close()
	}
}

// Close stops the listener and drops any active connection.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	active := a.active
	a.active = nil
	a.mu.Unlock()

	_ = a.listener.Close()
	if active != nil {
		active.close()
	}
}

func (a *Agent) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.serve(conn)
	}
}

// serve runs one collector connection: descriptor handshake first,
// then the request loop.
func (a *Agent) serve(conn net.Conn) {
	framer := envelope.NewFramer(conn)

	env, err := framer.ReadDescriptorEnvelope()
	if err != nil {
		_ = conn.Close()
		return
	}
	desc, err := envelope.DecodeDescriptor(env)
	if err != nil {
		_ = conn.Close()
		return
	}

	sc := &stubConn{conn: conn, framer: framer}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		sc.close()
		return
	}
	if a.active != nil {
		a.active.close()
	}
	a.active = sc
	a.descriptors = append(a.descriptors, desc)
	a.mu.Unlock()

	select {
	case a.descCh <- desc:
	default:
	}

	for {
		env, err := framer.ReadEnvelope()
		if err != nil {
			sc.close()
			return
		}
		switch env.Kind {
		case envelope.KindRequest:
			req, err := envelope.DecodeRequest(env)
			if err != nil {
				continue
			}
			a.mu.Lock()
			a.requests = append(a.requests, req)
			a.mu.Unlock()
			select {
			case a.reqCh <- req:
			default:
			}
			if req.Action == envelope.ActionCreateSession {
				a.answerCreateSession(sc)
			}
		case envelope.KindStreamState:
			state, err := envelope.DecodeStreamState(env)
			if err != nil {
				continue
			}
			a.mu.Lock()
			a.streaming = state.Enabled
			a.mu.Unlock()
			select {
			case a.streamCh <- state.Enabled:
			default:
			}
			a.acknowledge(sc, "StreamState")
		}
	}
}

func (a *Agent) answerCreateSession(sc *stubConn) {
	a.mu.Lock()
	a.sessions++
	hash := a.sessionHash
	if hash == "" {
		hash = fmt.Sprintf("stub-session-%d", a.sessions)
	}
	keepAlive := a.keepAlive
	a.mu.Unlock()

	env, err := envelope.Seal(envelope.RecipientMonitor, envelope.RecipientCollector,
		envelope.KindSessionInfo, &envelope.SessionInfo{Hash: hash, KeepAlive: keepAlive})
	if err != nil {
		return
	}
	_ = sc.framer.WriteEnvelope(env)
}

func (a *Agent) acknowledge(sc *stubConn, requestID string) {
	env, err := envelope.Seal(envelope.RecipientMonitor, envelope.RecipientCollector,
		envelope.KindStatus, &envelope.Status{RequestID: requestID, What: envelope.StatusOK})
	if err != nil {
		return
	}
	_ = sc.framer.WriteEnvelope(env)
}
