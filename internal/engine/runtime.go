package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPumpInterval is how often the background pumper drains the engine.
const DefaultPumpInterval = 5 * time.Millisecond

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	PumpInterval time.Duration
	Logger       *zap.Logger
}

// Runtime owns an Engine and is the only reader of its event channel.
// Subscribers are invoked from PumpPendingEvents, one event at a time, so
// they never run concurrently with each other.
type Runtime struct {
	eng      Engine
	log      *zap.Logger
	interval time.Duration

	pumpMu sync.Mutex

	subsMu       sync.RWMutex
	exchangeSubs []func(*Exchange)
	loadSubs     []func(nav uint64)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

// NewRuntime wraps eng. The background pumper is not started until Start.
func NewRuntime(eng Engine, opts RuntimeOptions) *Runtime {
	if opts.PumpInterval <= 0 {
		opts.PumpInterval = DefaultPumpInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runtime{
		eng:      eng,
		log:      opts.Logger,
		interval: opts.PumpInterval,
	}
}

// Engine returns the wrapped engine.
func (r *Runtime) Engine() Engine {
	return r.eng
}

// OnExchangeFinished registers fn for every completed exchange.
func (r *Runtime) OnExchangeFinished(fn func(*Exchange)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.exchangeSubs = append(r.exchangeSubs, fn)
}

// OnLoadFinished registers fn for every load-finished signal. fn receives
// the event's navigation number.
func (r *Runtime) OnLoadFinished(fn func(nav uint64)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.loadSubs = append(r.loadSubs, fn)
}

// PumpPendingEvents dispatches every event already queued by the engine and
// returns how many were dispatched. It never blocks waiting for new events.
func (r *Runtime) PumpPendingEvents() int {
	r.pumpMu.Lock()
	defer r.pumpMu.Unlock()

	events := r.eng.Events()
	n := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return n
			}
			r.dispatch(ev)
			n++
		default:
			return n
		}
	}
}

func (r *Runtime) dispatch(ev Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	switch ev.Type {
	case ExchangeFinished:
		if ev.Exchange == nil {
			return
		}
		r.log.Debug("exchange finished",
			zap.Int("status", ev.Exchange.Status),
			zap.String("url", ev.Exchange.URL))
		for _, fn := range r.exchangeSubs {
			fn(ev.Exchange)
		}
	case LoadFinished:
		r.log.Debug("load finished", zap.Uint64("nav", ev.Nav))
		for _, fn := range r.loadSubs {
			fn(ev.Nav)
		}
	}
}

// Start launches the background pumper. Calling Start twice is a no-op.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running || r.closed {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go r.pumpLoop(r.stop, r.done)
}

func (r *Runtime) pumpLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.PumpPendingEvents()
		}
	}
}

// Close stops the pumper and closes the engine.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	running := r.running
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	if running {
		close(stop)
		<-done
	}
	return r.eng.Close()
}
