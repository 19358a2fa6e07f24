package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBackpressureExceeded is returned by Multiplexer.Emit when the sink
// could not keep up within the configured bounds: the queue is full and
// stayed full past the enqueue timeout. The engine treats this as fatal
// for the run.
var ErrBackpressureExceeded = errors.New("backpressure exceeded: event queue full")

// MuxOptions configures a Multiplexer. Zero values select the defaults.
type MuxOptions struct {
	// QueueDepth bounds the number of events buffered between producers
	// and the sink. Default 64.
	QueueDepth int

	// EnqueueTimeout is how long a producer blocks on a full queue before
	// Emit fails with ErrBackpressureExceeded. Default 5s.
	EnqueueTimeout time.Duration

	// RetryInterval is how long the drain goroutine waits before retrying
	// a Write that returned ErrWouldBlock. Default 10ms.
	RetryInterval time.Duration
}

func (o MuxOptions) withDefaults() MuxOptions {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 10 * time.Millisecond
	}
	return o
}

// Multiplexer serializes all events for one run into an ordered sequence
// delivered to a single Sink.
//
// Producers (the engine settling steps, possibly several parallel
// branches at once) call Emit concurrently; the Multiplexer assigns each
// event a strictly increasing sequence number, queues it, and a single
// drain goroutine writes events to the sink one at a time. Write calls
// are therefore never issued concurrently to the same sink.
//
// Backpressure: when the sink signals ErrWouldBlock, events pile up in
// the bounded queue and producers block on Emit. A producer that stays
// blocked past the enqueue timeout gets ErrBackpressureExceeded, which
// the engine treats as fatal for the run.
//
// Disconnect: when the sink returns ErrClosed (or any other write error),
// the Multiplexer detaches. Queued and future events are discarded
// without error so in-flight steps keep running to completion.
type Multiplexer struct {
	sink Sink
	opts MuxOptions

	mu     sync.Mutex // serializes sequence assignment and enqueue order
	seq    uint64
	closed bool

	queue    chan Event
	detached atomic.Bool
	drained  chan struct{}
	stop     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewMultiplexer creates a Multiplexer over sink and starts its drain
// goroutine. The caller must eventually call Close.
func NewMultiplexer(sink Sink, opts MuxOptions) *Multiplexer {
	m := &Multiplexer{
		sink:    sink,
		opts:    opts.withDefaults(),
		drained: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	m.queue = make(chan Event, m.opts.QueueDepth)
	go m.drain()
	return m
}

// Emit assigns the event its sequence number and queues it for delivery.
//
// Emit blocks while the queue is full, bounded by the enqueue timeout;
// on timeout it returns ErrBackpressureExceeded. After the sink has
// disconnected (or the Multiplexer was closed) events are silently
// discarded and Emit returns nil.
func (m *Multiplexer) Emit(event Event) error {
	if m.detached.Load() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.seq++
	event.Sequence = m.seq

	select {
	case m.queue <- event:
		return nil
	default:
	}

	timer := time.NewTimer(m.opts.EnqueueTimeout)
	defer timer.Stop()

	select {
	case m.queue <- event:
		return nil
	case <-timer.C:
		return ErrBackpressureExceeded
	}
}

// Detached reports whether the sink has disconnected and events are being
// discarded.
func (m *Multiplexer) Detached() bool {
	return m.detached.Load()
}

// Close stops accepting events, waits for the queue to drain, and closes
// the sink. Safe to call more than once; subsequent calls return the
// first result.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.queue)
		m.mu.Unlock()

		// Unstick a drain goroutine retrying against a blocked sink, so
		// Close cannot hang behind a consumer that never recovers.
		close(m.stop)

		<-m.drained
		m.closeErr = m.sink.Close()
	})
	return m.closeErr
}

func (m *Multiplexer) drain() {
	defer close(m.drained)

	for event := range m.queue {
		if m.detached.Load() {
			continue
		}
		m.write(event)
	}
}

func (m *Multiplexer) write(event Event) {
	for {
		err := m.sink.Write(event)
		if err == nil {
			return
		}
		if errors.Is(err, ErrWouldBlock) {
			select {
			case <-m.stop:
				m.detached.Store(true)
				return
			case <-time.After(m.opts.RetryInterval):
			}
			continue
		}
		// ErrClosed or an unrecoverable transport error: detach and let
		// the run finish without a consumer.
		m.detached.Store(true)
		return
	}
}
