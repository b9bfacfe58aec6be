package service

import (
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/eventloop"
	"github.com/taskmonitor/tkm-collector/pkg/identity"
	"github.com/taskmonitor/tkm-collector/pkg/monitor"
	"github.com/taskmonitor/tkm-collector/pkg/storage"
)

// DialTimeout bounds the TCP connect to an agent, including name
// resolution.
const DialTimeout = 3 * time.Second

// descriptorID is the identity the collector announces to agents.
const descriptorID = "Collector"

// deviceQueueName names a device worker's loop source.
func deviceQueueName(hash string) string {
	return "device-" + hash
}

// DeviceConfig parameterizes a device worker.
type DeviceConfig struct {
	Logger     *zap.Logger
	Dispatcher *Dispatcher
	Database   *DatabaseWorker

	// Reconnect enables automatic redial after an unexpected
	// connection loss.
	Reconnect bool

	// Backoff overrides redial pacing.
	Backoff BackoffConfig

	// DialTimeout overrides the connect timeout.
	DialTimeout time.Duration

	// QueueSize overrides the worker queue capacity.
	QueueSize int
}

// Device is the worker owning one monitored agent: its lifecycle
// state, its session bookkeeping, and at most one outbound TCP
// connection. Requests arrive on the worker queue and are handled one
// at a time on the event loop; the connection's read side runs on a
// pump goroutine that reports back through the same queue.
type Device struct {
	logger     *zap.Logger
	queue      *eventloop.Queue[*DeviceRequest]
	dispatcher *Dispatcher
	database   *DatabaseWorker

	id      int64
	hash    string
	name    string
	address string
	port    uint16

	reconnect   bool
	backoff     *Backoff
	dialTimeout time.Duration
	pid         int

	mu            sync.Mutex
	state         DeviceState
	sessionHash   string
	pendingStream bool
	link          *agentLink
	gen           uint64
	redialTimer   *time.Timer
}

// agentLink is one live connection to an agent. The worker goroutine
// writes through the framer; the reader pump owns the read side and
// reports through the worker queue, tagged with the link generation.
type agentLink struct {
	conn      net.Conn
	framer    *envelope.Framer
	gen       uint64
	closeOnce sync.Once
}

func (l *agentLink) close() {
	l.closeOnce.Do(func() { _ = l.conn.Close() })
}

// NewDevice creates a worker for a stored device row. The worker
// starts in Loaded and does nothing until requests arrive.
func NewDevice(row *storage.Device, cfg DeviceConfig) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DialTimeout
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = eventloop.DefaultQueueSize
	}
	return &Device{
		logger:      logger.With(zap.String("device", row.Hash), zap.String("name", row.Name)),
		queue:       eventloop.NewQueue[*DeviceRequest](deviceQueueName(row.Hash), size),
		dispatcher:  cfg.Dispatcher,
		database:    cfg.Database,
		id:          row.ID,
		hash:        row.Hash,
		name:        row.Name,
		address:     row.Address,
		port:        row.Port,
		reconnect:   cfg.Reconnect,
		backoff:     NewBackoff(cfg.Backoff),
		dialTimeout: dialTimeout,
		pid:         os.Getpid(),
		state:       StateLoaded,
	}
}

// Hash returns the stable device hash.
func (d *Device) Hash() string { return d.hash }

// Name returns the operator-assigned device name.
func (d *Device) Name() string { return d.name }

// Endpoint returns the agent dial address.
func (d *Device) Endpoint() string {
	return net.JoinHostPort(d.address, strconv.Itoa(int(d.port)))
}

// Queue returns the worker queue for event loop registration.
func (d *Device) Queue() *eventloop.Queue[*DeviceRequest] { return d.queue }

// State returns the current lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SessionHash returns the held session hash, "" when none is open.
func (d *Device) SessionHash() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionHash
}

// Enqueue adds a request to the worker queue, blocking while full.
func (d *Device) Enqueue(req *DeviceRequest) error {
	return d.queue.Enqueue(req)
}

// offer enqueues without blocking. Handlers running on the event loop
// must not block on their own consumer, so a full queue drops the
// request with a log line.
func (d *Device) offer(req *DeviceRequest) {
	if err := d.queue.TryEnqueue(req); err != nil {
		d.logger.Warn("device queue rejected request",
			zap.String("action", req.Action.String()), zap.Error(err))
	}
}

// Handle consumes one request. Registered as the queue drain callback.
func (d *Device) Handle(req *DeviceRequest) {
	switch req.Action {
	case DeviceConnect:
		d.handleConnect(req)
	case DeviceDisconnect:
		d.handleDisconnect(req)
	case DeviceStartCollecting:
		d.handleStartCollecting(req)
	case DeviceStopCollecting:
		d.handleStopCollecting(req)
	case DeviceRequestSession:
		d.handleRequestSession(req)
	case DeviceSetSession:
		d.handleSetSession(req)
	case DeviceStartStream:
		d.handleStartStream(req)
	case DeviceProcessData:
		d.handleProcessData(req)
	case DevicePeerClosed:
		d.handlePeerClosed(req)
	case DeviceRedial:
		d.handleRedial(req)
	default:
		d.logger.Warn("unknown device action", zap.Uint8("action", uint8(req.Action)))
	}
}

func (d *Device) handleConnect(req *DeviceRequest) {
	d.mu.Lock()
	switch d.state {
	case StateLoaded, StateDisconnected, StateReconnecting:
	default:
		d.mu.Unlock()
		d.sendStatus(req, envelope.StatusBusy, "Device already connected")
		return
	}
	// An operator connect supersedes any pending redial.
	d.stopRedialLocked()
	d.mu.Unlock()

	d.connect(req, false)
}

func (d *Device) handleRedial(req *DeviceRequest) {
	d.mu.Lock()
	if req.Gen != d.gen || d.state != StateReconnecting {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.connect(req, true)
}

// connect dials the agent and performs the descriptor exchange. The
// dial resolves the address with A-record semantics and blocks the
// worker for at most the dial timeout.
func (d *Device) connect(req *DeviceRequest, redial bool) {
	endpoint := d.Endpoint()
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.Dial("tcp4", endpoint)
	if err != nil {
		d.logger.Warn("agent dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		d.connectFailed(req, redial)
		return
	}

	env, err := envelope.Seal(envelope.RecipientCollector, envelope.RecipientMonitor,
		envelope.KindDescriptor, &envelope.Descriptor{ID: descriptorID, PID: uint32(d.pid)})
	if err != nil {
		_ = conn.Close()
		d.logger.Error("descriptor encode failed", zap.Error(err))
		d.connectFailed(req, redial)
		return
	}

	link := &agentLink{conn: conn, framer: envelope.NewFramer(conn)}
	if err := link.framer.WriteDescriptorEnvelope(env); err != nil {
		link.close()
		d.logger.Warn("descriptor send failed", zap.String("endpoint", endpoint), zap.Error(err))
		d.connectFailed(req, redial)
		return
	}

	d.mu.Lock()
	d.gen++
	link.gen = d.gen
	d.link = link
	d.state = StateConnected
	d.mu.Unlock()
	d.backoff.Reset()

	go d.readLoop(link)

	d.logger.Info("agent connected", zap.String("endpoint", endpoint))
	d.sendStatus(req, envelope.StatusOK, "Connection established")
}

// connectFailed settles state after a failed dial or descriptor
// exchange. Failed redials stay in the redial cycle; failed operator
// connects report "Connection Failed" and rest in Disconnected.
func (d *Device) connectFailed(req *DeviceRequest, redial bool) {
	d.mu.Lock()
	if redial && d.reconnect && d.state == StateReconnecting {
		d.scheduleRedialLocked()
		d.mu.Unlock()
		return
	}
	d.state = StateDisconnected
	d.mu.Unlock()
	d.sendStatus(req, envelope.StatusError, "Connection Failed")
}

func (d *Device) handleDisconnect(req *DeviceRequest) {
	d.teardown(true, false)
	d.sendStatus(req, envelope.StatusOK, "Disconnected")
}

func (d *Device) handleStartCollecting(req *DeviceRequest) {
	d.mu.Lock()
	state := d.state
	gen := d.gen
	d.mu.Unlock()

	switch state {
	case StateConnected, StateIdle:
		if err := d.sendRequest(envelope.ActionCreateSession); err != nil {
			d.writeFailed(err)
			d.sendStatus(req, envelope.StatusError, "Connection Failed")
			return
		}
		d.mu.Lock()
		d.pendingStream = true
		d.mu.Unlock()
		d.sendStatus(req, envelope.StatusOK, "Collecting started")
	case StateSessionSet:
		// A session is already negotiated; skip straight to the stream.
		d.offer(&DeviceRequest{Action: DeviceStartStream, Gen: gen})
		d.sendStatus(req, envelope.StatusOK, "Collecting started")
	case StateCollecting:
		d.sendStatus(req, envelope.StatusBusy, "Already collecting")
	default:
		d.sendStatus(req, envelope.StatusError, "Device not connected")
	}
}

func (d *Device) handleStopCollecting(req *DeviceRequest) {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	switch state {
	case StateCollecting:
		if err := d.sendStreamState(false); err != nil {
			d.writeFailed(err)
			d.sendStatus(req, envelope.StatusError, "Connection Failed")
			return
		}
		d.mu.Lock()
		d.state = StateIdle
		d.mu.Unlock()
		d.logger.Info("collecting stopped")
		d.sendStatus(req, envelope.StatusOK, "Collecting stopped")
	case StateSessionSet, StateIdle:
		d.sendStatus(req, envelope.StatusBusy, "Not collecting")
	default:
		d.sendStatus(req, envelope.StatusError, "Device not connected")
	}
}

func (d *Device) handleRequestSession(req *DeviceRequest) {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	switch state {
	case StateConnected, StateIdle:
		if err := d.sendRequest(envelope.ActionCreateSession); err != nil {
			d.writeFailed(err)
			d.sendStatus(req, envelope.StatusError, "Connection Failed")
			return
		}
		d.mu.Lock()
		d.pendingStream = false
		d.mu.Unlock()
		d.sendStatus(req, envelope.StatusOK, "Session requested")
	case StateSessionSet:
		d.sendStatus(req, envelope.StatusBusy, "Session already set")
	case StateCollecting:
		d.sendStatus(req, envelope.StatusBusy, "Already collecting")
	default:
		d.sendStatus(req, envelope.StatusError, "Device not connected")
	}
}

// handleSetSession records the agent-assigned session. The hash is the
// agent's; the name is assigned here, before the session is handed to
// storage.
func (d *Device) handleSetSession(req *DeviceRequest) {
	if req.Session == nil || req.Session.Hash == "" {
		d.logger.Warn("session info without a hash, dropped")
		return
	}

	d.mu.Lock()
	if req.Gen != d.gen || d.link == nil {
		d.mu.Unlock()
		d.logger.Debug("session info from a replaced connection, dropped")
		return
	}
	if d.state != StateConnected && d.state != StateIdle {
		state := d.state
		d.mu.Unlock()
		d.logger.Debug("session info ignored", zap.String("state", state.String()))
		return
	}
	now := time.Now().Unix()
	name := identity.SessionName(d.pid, now)
	d.sessionHash = req.Session.Hash
	d.state = StateSessionSet
	pending := d.pendingStream
	gen := d.gen
	d.mu.Unlock()

	d.logger.Info("session established",
		zap.String("session", req.Session.Hash),
		zap.String("sessionName", name),
		zap.Uint32("keepAlive", req.Session.KeepAlive))

	d.database.offer(&DatabaseRequest{
		Action: DatabaseAddSession,
		Session: &storage.Session{
			Hash:       req.Session.Hash,
			Name:       name,
			Started:    now,
			DeviceID:   d.id,
			DeviceHash: d.hash,
		},
	})

	if pending {
		d.offer(&DeviceRequest{Action: DeviceStartStream, Gen: gen})
	}
}

func (d *Device) handleStartStream(req *DeviceRequest) {
	d.mu.Lock()
	if req.Gen != d.gen || d.link == nil {
		d.mu.Unlock()
		return
	}
	if d.state != StateSessionSet && d.state != StateIdle {
		state := d.state
		d.mu.Unlock()
		d.logger.Debug("start stream ignored", zap.String("state", state.String()))
		return
	}
	d.mu.Unlock()

	if err := d.sendStreamState(true); err != nil {
		d.writeFailed(err)
		return
	}

	d.mu.Lock()
	d.state = StateCollecting
	d.pendingStream = false
	session := d.sessionHash
	d.mu.Unlock()
	d.logger.Info("collecting", zap.String("session", session))
}

func (d *Device) handleProcessData(req *DeviceRequest) {
	if req.Data == nil {
		return
	}

	d.mu.Lock()
	if req.Gen != d.gen || d.state != StateCollecting || d.sessionHash == "" {
		d.mu.Unlock()
		d.logger.Debug("data frame outside an active stream, dropped",
			zap.String("kind", req.Data.Kind.String()))
		return
	}
	session := d.sessionHash
	d.mu.Unlock()

	d.database.offer(&DatabaseRequest{
		Action:      DatabaseAddData,
		SessionHash: session,
		Data:        req.Data,
		RecvTime:    req.RecvTime,
	})
}

func (d *Device) handlePeerClosed(req *DeviceRequest) {
	d.mu.Lock()
	if req.Gen != d.gen || d.link == nil {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.logger.Warn("agent connection lost")
	d.teardown(true, true)
}

// writeFailed treats a failed write like a peer close: the connection
// is unusable and any held session must be ended.
func (d *Device) writeFailed(err error) {
	d.logger.Warn("agent write failed", zap.Error(err))
	d.teardown(true, true)
}

// DisconnectNow tears the connection down immediately, outside the
// request flow. The manager uses it when a device is removed or
// replaced; endSession selects whether a held session gets an end
// timestamp, which is pointless when the rows are about to go away.
func (d *Device) DisconnectNow(endSession bool) {
	d.teardown(endSession, false)
}

// teardown closes the connection and settles session bookkeeping.
// endSession records an end timestamp for a held session. lost marks
// the loss as unexpected, which starts the redial cycle when
// reconnect is enabled.
func (d *Device) teardown(endSession, lost bool) {
	d.mu.Lock()
	d.stopRedialLocked()
	link := d.link
	d.link = nil
	d.gen++
	session := d.sessionHash
	d.sessionHash = ""
	d.pendingStream = false
	switch {
	case link == nil && d.state == StateLoaded:
		// Never connected this run; nothing to settle.
	case lost && d.reconnect:
		d.scheduleRedialLocked()
	default:
		d.state = StateDisconnected
	}
	d.mu.Unlock()

	if link != nil {
		link.close()
	}
	if endSession && session != "" {
		d.database.offer(&DatabaseRequest{Action: DatabaseEndSession, SessionHash: session})
	}
}

// scheduleRedialLocked arms the next redial attempt. Caller holds mu.
func (d *Device) scheduleRedialLocked() {
	delay := d.backoff.Next()
	gen := d.gen
	d.state = StateReconnecting
	d.redialTimer = time.AfterFunc(delay, func() {
		_ = d.queue.TryEnqueue(&DeviceRequest{Action: DeviceRedial, Gen: gen})
	})
	d.logger.Info("redial scheduled",
		zap.Duration("delay", delay), zap.Int("attempt", d.backoff.Attempts()))
}

// stopRedialLocked cancels a pending redial. Caller holds mu. A timer
// that already fired enqueued a request with a stale generation, which
// the redial handler drops.
func (d *Device) stopRedialLocked() {
	if d.redialTimer != nil {
		d.redialTimer.Stop()
		d.redialTimer = nil
	}
}

// sendRequest writes a Request envelope carrying only the action, with
// the action name as the request id.
func (d *Device) sendRequest(action envelope.Action) error {
	env, err := envelope.Seal(envelope.RecipientCollector, envelope.RecipientMonitor,
		envelope.KindRequest, &envelope.Request{ID: action.String(), Action: action})
	if err != nil {
		return err
	}
	return d.write(env)
}

func (d *Device) sendStreamState(enabled bool) error {
	env, err := envelope.Seal(envelope.RecipientCollector, envelope.RecipientMonitor,
		envelope.KindStreamState, &envelope.StreamState{Enabled: enabled})
	if err != nil {
		return err
	}
	return d.write(env)
}

func (d *Device) write(env *envelope.Envelope) error {
	d.mu.Lock()
	link := d.link
	d.mu.Unlock()
	if link == nil {
		return net.ErrClosed
	}
	return link.framer.WriteEnvelope(env)
}

// sendStatus routes a status reply to the operator through the
// dispatcher. Internal requests carry no client; failures are logged
// instead.
func (d *Device) sendStatus(req *DeviceRequest, what envelope.StatusKind, reason string) {
	if req == nil || req.Client == nil {
		if what != envelope.StatusOK {
			id := ""
			if req != nil {
				id = req.ID
			}
			d.logger.Warn("internal request failed",
				zap.String("id", id), zap.String("reason", reason))
		}
		return
	}
	d.dispatcher.offer(&DispatcherRequest{
		Action: DispatchSendStatus,
		Client: req.Client,
		ID:     req.ID,
		What:   what,
		Reason: reason,
	})
}

// readLoop pumps inbound envelopes into the worker queue. It runs on
// its own goroutine per connection and exits when the read side fails;
// the close report carries the link generation so reports for replaced
// connections are ignored.
func (d *Device) readLoop(link *agentLink) {
	for {
		env, err := link.framer.ReadEnvelope()
		if err != nil {
			if err != io.EOF {
				d.logger.Debug("agent read failed", zap.Error(err))
			}
			link.close()
			_ = d.queue.TryEnqueue(&DeviceRequest{Action: DevicePeerClosed, Gen: link.gen})
			return
		}
		if !envelope.RecipientMonitor.Accepts(env.Origin) {
			d.logger.Debug("envelope from unexpected origin, skipped",
				zap.String("origin", env.Origin.String()))
			continue
		}

		switch env.Kind {
		case envelope.KindSessionInfo:
			info, err := envelope.DecodeSessionInfo(env)
			if err != nil {
				d.logger.Warn("bad session info envelope", zap.Error(err))
				continue
			}
			_ = d.queue.TryEnqueue(&DeviceRequest{
				Action:  DeviceSetSession,
				Session: info,
				Gen:     link.gen,
			})
		case envelope.KindData:
			var data monitor.Data
			if err := env.Open(&data); err != nil {
				d.logger.Warn("bad data envelope", zap.Error(err))
				continue
			}
			_ = d.queue.TryEnqueue(&DeviceRequest{
				Action:   DeviceProcessData,
				Data:     &data,
				RecvTime: time.Now().Unix(),
				Gen:      link.gen,
			})
		case envelope.KindStatus:
			status, err := envelope.DecodeStatus(env)
			if err != nil {
				continue
			}
			d.logger.Debug("agent status",
				zap.String("request", status.RequestID),
				zap.String("what", status.What.String()),
				zap.String("reason", status.Reason))
		default:
			d.logger.Debug("unexpected envelope kind from agent",
				zap.String("kind", env.Kind.String()))
		}
	}
}
