package stream

import "errors"

// ErrWouldBlock is returned by a Sink that cannot accept another event
// right now. The Multiplexer treats it as backpressure: it keeps the
// event queued and retries, while producers block once the queue is full.
var ErrWouldBlock = errors.New("sink would block")

// ErrClosed is returned by a Sink whose consumer has gone away. The
// Multiplexer treats it as a disconnect: no further writes are attempted,
// but the run keeps executing.
var ErrClosed = errors.New("sink closed")

// Sink is the external transport a run's events are delivered to, for
// example a chunked HTTP response writer.
//
// Write is never called concurrently: the Multiplexer serializes all
// events for a run through one logical queue and a single drain
// goroutine. Write returns nil on success, ErrWouldBlock when the
// consumer cannot accept more data right now, ErrClosed when the consumer
// disconnected, or any other error for an unrecoverable transport
// failure (treated like ErrClosed).
type Sink interface {
	Write(event Event) error
	Close() error
}
