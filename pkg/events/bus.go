package events

import (
	"sync"
	"time"

	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/google/uuid"
)

// Handler consumes an event on the bus loop
type Handler func(*Event)

// TickHandler is called on every audit tick
type TickHandler func(now time.Time)

// item is one unit of work on the loop: an event, a continuation or a tick
type item struct {
	event *Event
	fn    func()
	tick  bool
}

// Bus is the single logical scheduler. Events, posted continuations and
// audit ticks are all run, in arrival order, on one loop goroutine.
type Bus struct {
	mu       sync.Mutex
	queue    []item
	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	handlers []Handler
	tickers  []TickHandler
	interval time.Duration
	now      func() time.Time
	started  bool
	stopOnce sync.Once
}

// NewBus creates a bus that ticks every interval; zero disables the ticker
func NewBus(interval time.Duration) *Bus {
	return &Bus{
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		interval: interval,
		now:      time.Now,
	}
}

// Subscribe adds a handler; handlers run in registration order
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// OnTick adds an audit tick handler
func (b *Bus) OnTick(h TickHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickers = append(b.tickers, h)
}

// Start begins the loop goroutine
func (b *Bus) Start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	go b.run()
}

// Running reports whether Start has been called
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Stop stops the loop and waits for it to exit. Queued work is dropped.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.doneCh
	}
}

// Publish queues an event for delivery to every handler
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	b.enqueue(item{event: event})
}

// Post queues a continuation to run on the loop. Helper goroutines use it
// to hand NFVI completions back to the scheduler.
func (b *Bus) Post(fn func()) {
	b.enqueue(item{fn: fn})
}

// Tick queues an audit tick
func (b *Bus) Tick() {
	b.enqueue(item{tick: true})
}

// Call runs fn on the loop and waits for it to return. It must not be
// called from the loop itself.
func (b *Bus) Call(fn func()) bool {
	done := make(chan struct{})
	b.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-b.stopCh:
		return false
	}
}

// Flush runs queued work on the calling goroutine until the queue is
// empty, including work queued while flushing. Only for a bus that was
// never started.
func (b *Bus) Flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		it := b.queue[0]
		b.queue[0] = item{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.dispatch(it)
	}
}

func (b *Bus) enqueue(it item) {
	b.mu.Lock()
	b.queue = append(b.queue, it)
	b.mu.Unlock()

	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)

	var tickC <-chan time.Time
	if b.interval > 0 {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-b.stopCh:
			return
		case <-tickC:
			b.Tick()
		case <-b.wakeCh:
			b.drain()
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		it := b.queue[0]
		b.queue[0] = item{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.dispatch(it)
	}
}

func (b *Bus) dispatch(it item) {
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("events")
			logger.Error().Interface("panic", r).Msg("Handler panicked")
		}
	}()

	switch {
	case it.event != nil:
		metrics.EventsDispatched.WithLabelValues(string(it.event.Type)).Inc()
		for _, h := range b.snapshotHandlers() {
			h(it.event)
		}
	case it.fn != nil:
		it.fn()
	case it.tick:
		metrics.AuditTicks.Inc()
		now := b.now()
		for _, h := range b.snapshotTickers() {
			h(now)
		}
	}
}

func (b *Bus) snapshotHandlers() []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Handler(nil), b.handlers...)
}

func (b *Bus) snapshotTickers() []TickHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TickHandler(nil), b.tickers...)
}

// Pending returns the number of queued items
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
