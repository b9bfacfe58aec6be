package eventloop

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Priority orders sources that are ready in the same iteration.
type Priority uint8

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Loop errors.
var (
	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("loop already running")

	// ErrDuplicateSource indicates a source name is already registered.
	ErrDuplicateSource = errors.New("source already registered")

	// ErrSourceNotFound indicates an unknown source name.
	ErrSourceNotFound = errors.New("source not found")
)

// Options configure how a source is scheduled.
type Options struct {
	// Priority orders ready sources within one iteration. The zero
	// value is PriorityLow.
	Priority Priority

	// Prepare, when set, is consulted before the source is armed for an
	// iteration. A false return leaves the source silent.
	Prepare func() bool

	// Finalize, when set, runs once when the source is removed or the
	// loop shuts down.
	Finalize func()
}

// Config configures a Loop.
type Config struct {
	// Logger for loop lifecycle events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Loop is a single-goroutine cooperative multiplexer. All registered
// handlers run on the goroutine that called Run.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	sources []*source
	seq     uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wakeCh   chan struct{}
}

// source is one registered event source. recv is the channel the loop
// selects on; dispatch consumes exactly one received value.
type source struct {
	name     string
	opts     Options
	seq      uint64
	recv     reflect.Value
	dispatch func(v reflect.Value)
}

// New creates a stopped loop.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger,
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// AddQueue registers a queue source; each dispatch delivers one element
// to handle. The queue name doubles as the source name.
func AddQueue[T any](l *Loop, q *Queue[T], opts Options, handle func(T)) error {
	return l.addSource(&source{
		name: q.Name(),
		opts: opts,
		recv: reflect.ValueOf(q.ch),
		dispatch: func(v reflect.Value) {
			handle(v.Interface().(T))
		},
	})
}

// Timer is a periodic source. Stop removes it from its loop.
type Timer struct {
	name   string
	loop   *Loop
	ticker *time.Ticker
}

// Stop removes the timer from the loop and releases the ticker.
func (t *Timer) Stop() {
	_ = t.loop.Remove(t.name)
}

// AddTimer registers a periodic source firing every interval.
func (l *Loop) AddTimer(name string, interval time.Duration, opts Options, handle func()) (*Timer, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("timer %q: interval must be positive", name)
	}
	ticker := time.NewTicker(interval)
	t := &Timer{name: name, loop: l, ticker: ticker}

	userFinalize := opts.Finalize
	opts.Finalize = func() {
		ticker.Stop()
		if userFinalize != nil {
			userFinalize()
		}
	}

	err := l.addSource(&source{
		name: name,
		opts: opts,
		recv: reflect.ValueOf(ticker.C),
		dispatch: func(reflect.Value) {
			handle()
		},
	})
	if err != nil {
		ticker.Stop()
		return nil, err
	}
	return t, nil
}

// Trigger is a user-event source. Firing it while a previous firing is
// still pending coalesces into a single dispatch.
type Trigger struct {
	name string
	ch   chan struct{}
}

// Fire requests a dispatch. Safe from any goroutine; never blocks.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// AddTrigger registers a user-event source.
func (l *Loop) AddTrigger(name string, opts Options, handle func()) (*Trigger, error) {
	t := &Trigger{name: name, ch: make(chan struct{}, 1)}
	err := l.addSource(&source{
		name: name,
		opts: opts,
		recv: reflect.ValueOf(t.ch),
		dispatch: func(reflect.Value) {
			handle()
		},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (l *Loop) addSource(s *source) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.sources {
		if existing.name == s.name {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, s.name)
		}
	}
	l.seq++
	s.seq = l.seq
	l.sources = append(l.sources, s)
	l.logger.Debug("source registered",
		zap.String("source", s.name),
		zap.String("priority", s.opts.Priority.String()))

	l.wake()
	return nil
}

// Remove unregisters a source and runs its finalizer.
func (l *Loop) Remove(name string) error {
	l.mu.Lock()
	var removed *source
	for i, s := range l.sources {
		if s.name == name {
			removed = s
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	if removed.opts.Finalize != nil {
		removed.opts.Finalize()
	}
	l.logger.Debug("source removed", zap.String("source", name))
	l.wake()
	return nil
}

// wake interrupts a blocking select so the loop re-reads its source set.
func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// Stop requests a graceful stop. Idempotent and safe from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run dispatches events until Stop is called. All handlers execute on
// the calling goroutine.
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	l.logger.Info("event loop started")

	for {
		select {
		case <-l.stopCh:
			l.shutdown()
			return nil
		default:
		}

		armed := l.armedSources()

		// Non-blocking sweep in priority order: the highest-priority
		// ready source wins the iteration.
		if l.sweep(armed) {
			continue
		}

		// Nothing ready; block until a source fires, the source set
		// changes, or the loop stops.
		l.block(armed)
	}
}

// armedSources snapshots registered sources, drops the ones whose
// Prepare declines, and orders them by (priority desc, registration).
func (l *Loop) armedSources() []*source {
	l.mu.Lock()
	snapshot := make([]*source, len(l.sources))
	copy(snapshot, l.sources)
	l.mu.Unlock()

	armed := snapshot[:0]
	for _, s := range snapshot {
		if s.opts.Prepare != nil && !s.opts.Prepare() {
			continue
		}
		armed = append(armed, s)
	}
	sort.SliceStable(armed, func(i, j int) bool {
		if armed[i].opts.Priority != armed[j].opts.Priority {
			return armed[i].opts.Priority > armed[j].opts.Priority
		}
		return armed[i].seq < armed[j].seq
	})
	return armed
}

// sweep polls each armed source without blocking and dispatches the
// first ready one. Returns true if a dispatch happened.
func (l *Loop) sweep(armed []*source) bool {
	for _, s := range armed {
		chosen, v, ok := reflect.Select([]reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: s.recv},
			{Dir: reflect.SelectDefault},
		})
		if chosen != 0 {
			continue
		}
		l.dispatch(s, v, ok)
		return true
	}
	return false
}

// block waits for any armed source, a wake, or stop, and dispatches at
// most one source.
func (l *Loop) block(armed []*source) {
	cases := make([]reflect.SelectCase, 0, len(armed)+2)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.stopCh)},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.wakeCh)},
	)
	for _, s := range armed {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: s.recv})
	}

	chosen, v, ok := reflect.Select(cases)
	switch chosen {
	case 0, 1:
		// stop or wake: the outer loop re-evaluates
		return
	default:
		l.dispatch(armed[chosen-2], v, ok)
	}
}

func (l *Loop) dispatch(s *source, v reflect.Value, ok bool) {
	if !ok {
		// Source channel closed underneath us; drop the source.
		l.logger.Warn("source channel closed, removing", zap.String("source", s.name))
		_ = l.Remove(s.name)
		return
	}
	s.dispatch(v)
}

// shutdown finalizes all remaining sources in registration order.
func (l *Loop) shutdown() {
	l.mu.Lock()
	remaining := l.sources
	l.sources = nil
	l.mu.Unlock()

	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].seq < remaining[j].seq
	})
	for _, s := range remaining {
		if s.opts.Finalize != nil {
			s.opts.Finalize()
		}
	}
	l.logger.Info("event loop stopped")
}
