package stream

import "sync"

// BufferSink stores events in memory.
//
// Useful for tests and for post-run inspection of a run's full event
// history. All events are retained; not intended for long-running
// production streams.
//
// Example:
//
//	sink := stream.NewBufferSink()
//	handle, _ := engine.Start(ctx, flow.StartRequest{GraphID: "g", Input: in, Sink: sink})
//	<-handle.Done()
//	for _, ev := range sink.Events() {
//	    fmt.Println(ev.Sequence, ev.Kind, ev.StepName)
//	}
type BufferSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewBufferSink creates an empty BufferSink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

// Write appends the event to the buffer. Returns ErrClosed after Close.
func (b *BufferSink) Write(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.events = append(b.events, event)
	return nil
}

// Close marks the sink closed. Buffered events remain readable.
func (b *BufferSink) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Events returns a copy of everything written so far, in write order.
func (b *BufferSink) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Closed reports whether Close has been called.
func (b *BufferSink) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
