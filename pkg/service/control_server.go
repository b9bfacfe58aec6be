package service

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
)

// ControlHandshakeTimeout bounds how long an accepted control
// connection may take to present its descriptor.
const ControlHandshakeTimeout = 3 * time.Second

// ControlServerConfig parameterizes the control server.
type ControlServerConfig struct {
	Logger     *zap.Logger
	Dispatcher *Dispatcher

	// Path is the Unix socket path inside the runtime directory.
	Path string

	// HandshakeTimeout overrides the descriptor deadline.
	HandshakeTimeout time.Duration
}

// ControlServer accepts operator connections on a Unix domain socket.
// Every accepted connection must complete a descriptor handshake
// before it is registered and its requests reach the dispatcher.
type ControlServer struct {
	logger           *zap.Logger
	path             string
	dispatcher       *Dispatcher
	handshakeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]*ControlClient
	closed   bool

	wg sync.WaitGroup
}

// NewControlServer creates a stopped control server.
func NewControlServer(cfg ControlServerConfig) *ControlServer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = ControlHandshakeTimeout
	}
	return &ControlServer{
		logger:           logger,
		path:             cfg.Path,
		dispatcher:       cfg.Dispatcher,
		handshakeTimeout: timeout,
		clients:          make(map[string]*ControlClient),
	}
}

// Start binds the socket and begins accepting. A pre-existing socket
// file is removed first; a bind failure is fatal to startup.
func (s *ControlServer) Start() error {
	_ = os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control socket %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Info("control server listening", zap.String("path", s.path))
	return nil
}

// Path returns the socket path.
func (s *ControlServer) Path() string { return s.path }

// ClientCount returns the number of registered clients.
func (s *ControlServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Stop closes the listener and all registered clients, then removes
// the socket file. Idempotent.
func (s *ControlServer) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	clients := make([]*ControlClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, c := range clients {
		c.Close()
	}
	s.wg.Wait()

	_ = os.Remove(s.path)
	s.logger.Info("control server stopped")
}

func (s *ControlServer) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosed() {
				return
			}
			s.logger.Warn("control accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handshake(conn)
	}
}

// handshake reads the client's descriptor, bounded by the handshake
// timeout. Connections that fail to present one in time are dropped
// without registration.
func (s *ControlServer) handshake(conn net.Conn) {
	defer s.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	framer := envelope.NewFramer(conn)

	env, err := framer.ReadDescriptorEnvelope()
	if err != nil {
		s.logger.Warn("control handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	desc, err := envelope.DecodeDescriptor(env)
	if err != nil {
		s.logger.Warn("control descriptor rejected", zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	client := newControlClient(conn, framer, desc, s.dispatcher, s.logger, s.unregister)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[client.ID()] = client
	s.mu.Unlock()

	s.logger.Info("control client connected",
		zap.String("client", client.ID()),
		zap.String("peer", desc.ID),
		zap.Uint32("pid", desc.PID))

	go client.readLoop()
}

func (s *ControlServer) unregister(c *ControlClient) {
	s.mu.Lock()
	delete(s.clients, c.ID())
	s.mu.Unlock()
}

func (s *ControlServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
