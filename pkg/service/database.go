package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/eventloop"
	"github.com/taskmonitor/tkm-collector/pkg/identity"
	"github.com/taskmonitor/tkm-collector/pkg/storage"
)

// DatabaseConfig parameterizes the database worker.
type DatabaseConfig struct {
	Logger  *zap.Logger
	Store   *storage.Store
	Manager *Manager

	// QueueSize overrides the worker queue capacity.
	QueueSize int
}

// DatabaseWorker serializes every store operation through one queue,
// which is the only path between the collector and its backend. It
// also keeps the in-memory device set coherent with the device table:
// loading, adding and removing rows spawns or retires workers through
// the collector's callbacks.
type DatabaseWorker struct {
	logger  *zap.Logger
	queue   *eventloop.Queue[*DatabaseRequest]
	store   *storage.Store
	manager *Manager

	// Wired by the collector after construction.
	dispatcher      *Dispatcher
	onDeviceLoaded  func(storage.Device)
	onDeviceRemoved func(hash string)
	onQuit          func()
}

// NewDatabaseWorker creates a database worker over an open store.
func NewDatabaseWorker(cfg DatabaseConfig) *DatabaseWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = eventloop.DefaultQueueSize
	}
	return &DatabaseWorker{
		logger:  logger,
		queue:   eventloop.NewQueue[*DatabaseRequest]("database", size),
		store:   cfg.Store,
		manager: cfg.Manager,
	}
}

// Queue returns the worker queue for event loop registration.
func (w *DatabaseWorker) Queue() *eventloop.Queue[*DatabaseRequest] { return w.queue }

// Submit adds a request to the worker queue, blocking while full.
func (w *DatabaseWorker) Submit(req *DatabaseRequest) error {
	return w.queue.Enqueue(req)
}

func (w *DatabaseWorker) offer(req *DatabaseRequest) {
	if err := w.queue.TryEnqueue(req); err != nil {
		w.logger.Warn("database queue rejected request",
			zap.String("action", req.Action.String()), zap.Error(err))
	}
}

// Handle consumes one request. Registered as the queue drain callback.
func (w *DatabaseWorker) Handle(req *DatabaseRequest) {
	switch req.Action {
	case DatabaseCheck:
		w.handleCheck(req)
	case DatabaseInit:
		w.handleInit(req)
	case DatabaseLoadDevices:
		w.handleLoadDevices(req)
	case DatabaseGetDevices:
		w.handleGetDevices(req)
	case DatabaseAddDevice:
		w.handleAddDevice(req)
	case DatabaseRemoveDevice:
		w.handleRemoveDevice(req)
	case DatabaseGetSessions:
		w.handleGetSessions(req)
	case DatabaseAddSession:
		w.handleAddSession(req)
	case DatabaseRemoveSession:
		w.handleRemoveSession(req)
	case DatabaseEndSession:
		w.handleEndSession(req)
	case DatabaseCleanSessions:
		w.handleCleanSessions(req)
	case DatabaseAddData:
		w.handleAddData(req)
	case DatabaseDisconnect:
		w.handleDisconnect(req)
	default:
		w.logger.Warn("unknown database action", zap.Uint8("action", uint8(req.Action)))
	}
}

func (w *DatabaseWorker) handleCheck(req *DatabaseRequest) {
	if err := w.store.Check(); err != nil {
		w.logger.Warn("database check failed", zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	w.sendStatus(req, envelope.StatusOK, "Database check passed")
}

// handleInit creates the schema. Forced drops everything first, so the
// in-memory device set is retired along with the rows it mirrored.
func (w *DatabaseWorker) handleInit(req *DatabaseRequest) {
	if err := w.store.Init(req.Forced); err != nil {
		w.logger.Error("database init failed", zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	if req.Forced {
		for _, dev := range w.manager.Snapshot() {
			w.retireWorker(dev.Hash())
		}
	}
	w.logger.Info("database initialized", zap.Bool("forced", req.Forced))
	w.sendStatus(req, envelope.StatusOK, "Database initialized")
}

// handleLoadDevices mirrors stored device rows into workers. Rows that
// already have a worker keep it.
func (w *DatabaseWorker) handleLoadDevices(req *DatabaseRequest) {
	rows, err := w.store.Devices()
	if err != nil {
		w.logger.Warn("device load failed", zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	loaded := 0
	for _, row := range rows {
		if w.manager.Get(row.Hash) != nil {
			continue
		}
		w.spawnWorker(row)
		loaded++
	}
	w.logger.Info("devices loaded", zap.Int("stored", len(rows)), zap.Int("new", loaded))
	w.sendStatus(req, envelope.StatusOK, "Devices loaded")
}

func (w *DatabaseWorker) handleGetDevices(req *DatabaseRequest) {
	rows, err := w.store.Devices()
	if err != nil {
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "id=%s name=%s address=%s port=%d state=%s",
			row.Hash, row.Name, row.Address, row.Port, w.manager.StateOf(row.Hash))
	}
	w.sendStatus(req, envelope.StatusOK, b.String())
}

func (w *DatabaseWorker) handleAddDevice(req *DatabaseRequest) {
	var name, address, portStr string
	if req.Args != nil {
		name = req.Args[envelope.ArgName]
		address = req.Args[envelope.ArgAddress]
		portStr = req.Args[envelope.ArgPort]
	}
	if name == "" || address == "" || portStr == "" {
		w.sendStatus(req, envelope.StatusError, "Invalid device arguments")
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		w.sendStatus(req, envelope.StatusError, "Invalid device port")
		return
	}

	dev := &storage.Device{
		Hash:    identity.DeviceHash(address, uint16(port)),
		Name:    name,
		Address: address,
		Port:    uint16(port),
	}
	err = w.store.AddDevice(dev, req.Forced)
	switch {
	case errors.Is(err, storage.ErrDeviceExists):
		w.sendStatus(req, envelope.StatusError, "Device already exists")
		return
	case err != nil:
		w.logger.Error("device insert failed", zap.String("hash", dev.Hash), zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}

	// A forced add replaced the stored row; the worker mirroring the
	// old row goes with it.
	if req.Forced {
		w.retireWorker(dev.Hash)
	}
	w.spawnWorker(*dev)

	w.logger.Info("device added",
		zap.String("hash", dev.Hash),
		zap.String("name", dev.Name),
		zap.String("endpoint", dev.Endpoint()))
	w.sendStatus(req, envelope.StatusOK, "Device added")
}

func (w *DatabaseWorker) handleRemoveDevice(req *DatabaseRequest) {
	var hash string
	if req.Args != nil {
		hash = req.Args[envelope.ArgHash]
	}
	err := w.store.RemoveDevice(hash)
	switch {
	case errors.Is(err, storage.ErrNoSuchDevice):
		w.sendStatus(req, envelope.StatusError, "No such device")
		return
	case err != nil:
		w.logger.Error("device delete failed", zap.String("hash", hash), zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}

	w.retireWorker(hash)
	w.logger.Info("device removed", zap.String("hash", hash))
	w.sendStatus(req, envelope.StatusOK, "Device removed")
}

func (w *DatabaseWorker) handleGetSessions(req *DatabaseRequest) {
	var deviceHash string
	if req.Args != nil {
		deviceHash = req.Args[envelope.ArgHash]
	}
	rows, err := w.store.Sessions(deviceHash)
	if err != nil {
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	var b strings.Builder
	for i, sess := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "id=%s name=%s device=%s started=%d ended=%d",
			sess.Hash, sess.Name, sess.DeviceHash, sess.Started, sess.Ended)
	}
	w.sendStatus(req, envelope.StatusOK, b.String())
}

func (w *DatabaseWorker) handleAddSession(req *DatabaseRequest) {
	if req.Session == nil {
		return
	}
	if err := w.store.AddSession(req.Session); err != nil {
		w.logger.Error("session insert failed",
			zap.String("session", req.Session.Hash),
			zap.String("device", req.Session.DeviceHash),
			zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	w.logger.Info("session stored",
		zap.String("session", req.Session.Hash),
		zap.String("name", req.Session.Name),
		zap.String("device", req.Session.DeviceHash))
	w.sendStatus(req, envelope.StatusOK, "Session added")
}

func (w *DatabaseWorker) handleRemoveSession(req *DatabaseRequest) {
	if err := w.store.RemoveSession(req.SessionHash); err != nil {
		w.logger.Warn("session delete failed",
			zap.String("session", req.SessionHash), zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	w.sendStatus(req, envelope.StatusOK, "Session removed")
}

func (w *DatabaseWorker) handleEndSession(req *DatabaseRequest) {
	err := w.store.EndSession(req.SessionHash, 0)
	switch {
	case errors.Is(err, storage.ErrNoOpenSession):
		w.logger.Warn("end requested for a session that is not open",
			zap.String("session", req.SessionHash))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	case err != nil:
		w.logger.Error("session end failed",
			zap.String("session", req.SessionHash), zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	w.logger.Info("session ended", zap.String("session", req.SessionHash))
	w.sendStatus(req, envelope.StatusOK, "Session ended")
}

// handleCleanSessions ends every session a previous run left open. It
// enqueues one EndSession per stale row; queue order puts them ahead
// of any session work that follows startup.
func (w *DatabaseWorker) handleCleanSessions(req *DatabaseRequest) {
	open, err := w.store.OpenSessions()
	if err != nil {
		w.logger.Warn("open session scan failed", zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
		return
	}
	for _, sess := range open {
		w.offer(&DatabaseRequest{Action: DatabaseEndSession, SessionHash: sess.Hash})
	}
	if len(open) > 0 {
		w.logger.Info("stale open sessions scheduled for closing", zap.Int("count", len(open)))
	}
	w.sendStatus(req, envelope.StatusOK, "Sessions cleaned")
}

func (w *DatabaseWorker) handleAddData(req *DatabaseRequest) {
	if req.Data == nil || req.SessionHash == "" {
		return
	}
	if err := w.store.AddData(req.SessionHash, req.RecvTime, req.Data); err != nil {
		w.logger.Error("data insert failed",
			zap.String("session", req.SessionHash),
			zap.String("kind", req.Data.Kind.String()),
			zap.Error(err))
		w.sendStatus(req, envelope.StatusError, err.Error())
	}
}

// handleDisconnect closes the backend. With the quit flag it then
// stops the collector; everything enqueued before it has already been
// written.
func (w *DatabaseWorker) handleDisconnect(req *DatabaseRequest) {
	if err := w.store.Close(); err != nil {
		w.logger.Warn("store close failed", zap.Error(err))
	}
	w.sendStatus(req, envelope.StatusOK, "Database disconnected")
	if req.Quit && w.onQuit != nil {
		w.onQuit()
	}
}

// spawnWorker hands a stored row to the collector, which creates and
// registers a worker in Loaded.
func (w *DatabaseWorker) spawnWorker(row storage.Device) {
	if w.onDeviceLoaded != nil {
		w.onDeviceLoaded(row)
	}
}

// retireWorker drops the worker for hash, disconnecting it without a
// session end: its rows are gone or replaced, so there is nothing to
// stamp.
func (w *DatabaseWorker) retireWorker(hash string) {
	if w.manager.Get(hash) == nil {
		return
	}
	w.manager.Remove(hash)
	if w.onDeviceRemoved != nil {
		w.onDeviceRemoved(hash)
	}
}

// sendStatus routes a status reply to the operator through the
// dispatcher. Internal requests carry no client; failures are logged
// where they happen.
func (w *DatabaseWorker) sendStatus(req *DatabaseRequest, what envelope.StatusKind, reason string) {
	if req == nil || req.Client == nil {
		return
	}
	w.dispatcher.offer(&DispatcherRequest{
		Action: DispatchSendStatus,
		Client: req.Client,
		ID:     req.ID,
		What:   what,
		Reason: reason,
	})
}
