package service

import (
	"go.uber.org/zap"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
	"github.com/taskmonitor/tkm-collector/pkg/eventloop"
)

// Dispatcher routes control requests to the worker that owns them:
// data-plane actions to the database worker, device-plane actions to
// the device worker for the addressed hash. SendStatus is terminal;
// the dispatcher serializes the status envelope and writes it to the
// originating client.
type Dispatcher struct {
	logger  *zap.Logger
	queue   *eventloop.Queue[*DispatcherRequest]
	manager *Manager

	// Wired by the collector after construction.
	database *DatabaseWorker
}

// NewDispatcher creates a dispatcher over the given device manager.
func NewDispatcher(logger *zap.Logger, manager *Manager) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		queue:   eventloop.NewQueue[*DispatcherRequest]("dispatcher", eventloop.DefaultQueueSize),
		manager: manager,
	}
}

// Queue returns the dispatcher queue for event loop registration.
func (p *Dispatcher) Queue() *eventloop.Queue[*DispatcherRequest] { return p.queue }

// Submit adds a request to the dispatcher queue, blocking while full.
// Reader pumps use it; loop-resident handlers use offer instead.
func (p *Dispatcher) Submit(req *DispatcherRequest) error {
	return p.queue.Enqueue(req)
}

func (p *Dispatcher) offer(req *DispatcherRequest) {
	if err := p.queue.TryEnqueue(req); err != nil {
		p.logger.Warn("dispatcher queue rejected request",
			zap.String("action", req.Action.String()), zap.Error(err))
	}
}

// Handle consumes one request. Registered as the queue drain callback.
func (p *Dispatcher) Handle(req *DispatcherRequest) {
	switch req.Action {
	case DispatchSendStatus:
		p.writeStatus(req.Client, req.ID, req.What, req.Reason)
	case DispatchInitDatabase:
		p.database.offer(&DatabaseRequest{
			Action: DatabaseInit, Client: req.Client, ID: req.ID, Forced: req.Forced,
		})
	case DispatchQuitCollector:
		p.handleQuit(req)
	case DispatchGetDevices:
		p.database.offer(&DatabaseRequest{
			Action: DatabaseGetDevices, Client: req.Client, ID: req.ID,
		})
	case DispatchGetSessions:
		p.database.offer(&DatabaseRequest{
			Action: DatabaseGetSessions, Client: req.Client, ID: req.ID, Args: req.Args,
		})
	case DispatchAddDevice:
		p.database.offer(&DatabaseRequest{
			Action: DatabaseAddDevice, Client: req.Client, ID: req.ID,
			Args: req.Args, Forced: req.Forced,
		})
	case DispatchRemoveDevice:
		p.database.offer(&DatabaseRequest{
			Action: DatabaseRemoveDevice, Client: req.Client, ID: req.ID, Args: req.Args,
		})
	case DispatchConnectDevice:
		p.routeDevice(req, DeviceConnect)
	case DispatchDisconnectDevice:
		p.routeDevice(req, DeviceDisconnect)
	case DispatchStartCollecting:
		p.routeDevice(req, DeviceStartCollecting)
	case DispatchStopCollecting:
		p.routeDevice(req, DeviceStopCollecting)
	case DispatchRequestSession:
		p.routeDevice(req, DeviceRequestSession)
	default:
		p.logger.Warn("unknown dispatcher action", zap.Uint8("action", uint8(req.Action)))
	}
}

// routeDevice forwards a device-plane request to the worker owning the
// addressed hash.
func (p *Dispatcher) routeDevice(req *DispatcherRequest, action DeviceAction) {
	var hash string
	if req.Args != nil {
		hash = req.Args[envelope.ArgHash]
	}
	dev := p.manager.Get(hash)
	if dev == nil {
		p.offer(&DispatcherRequest{
			Action: DispatchSendStatus, Client: req.Client, ID: req.ID,
			What: envelope.StatusError, Reason: "No such device",
		})
		return
	}
	dev.offer(&DeviceRequest{Action: action, Client: req.Client, ID: req.ID})
}

// handleQuit acknowledges the operator, then asks the database worker
// to disconnect with the quit flag set. Database work enqueued before
// this point flushes first; the disconnect then stops the collector.
func (p *Dispatcher) handleQuit(req *DispatcherRequest) {
	p.logger.Info("collector quit requested", zap.String("id", req.ID))
	p.writeStatus(req.Client, req.ID, envelope.StatusOK, "Collector shutting down")
	p.database.offer(&DatabaseRequest{Action: DatabaseDisconnect, Quit: true})
}

// writeStatus is the terminal leg of a request: one status envelope to
// the originating client, echoing its request id. Internal requests
// carry no client; their outcome is logged instead.
func (p *Dispatcher) writeStatus(client *ControlClient, id string, what envelope.StatusKind, reason string) {
	if client == nil {
		if what == envelope.StatusOK {
			p.logger.Debug("internal request done", zap.String("id", id), zap.String("reason", reason))
		} else {
			p.logger.Warn("internal request failed", zap.String("id", id), zap.String("reason", reason))
		}
		return
	}
	status := &envelope.Status{RequestID: id, What: what, Reason: reason}
	if err := client.SendStatus(status); err != nil {
		p.logger.Warn("status write failed",
			zap.String("client", client.ID()), zap.Error(err))
		client.Close()
	}
}
