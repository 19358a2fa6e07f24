package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// JSONLSink writes each event as one self-contained JSON object followed
// by a newline.
//
// This is the engine's wire format: fields runId, stepName,
// sequenceNumber, kind and payload. Consumers must tolerate one record
// per transport chunk or several records batched into one chunk.
//
// Example output:
//
//	{"runId":"run-001","stepName":"plan","sequenceNumber":1,"kind":"started"}
//	{"runId":"run-001","stepName":"plan","sequenceNumber":2,"kind":"progress","payload":{"attempt":1}}
//
// Usage:
//
//	sink := stream.NewJSONLSink(responseWriter)
//	handle, err := engine.Start(ctx, flow.StartRequest{GraphID: "research", Input: in, Sink: sink})
type JSONLSink struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewJSONLSink creates a JSONLSink over w. The sink owns serialization;
// w does not need to be safe for concurrent use.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// Write marshals the event and writes it as a single line. Returns
// ErrClosed after Close, or a transport error if the underlying writer
// fails (the Multiplexer treats that as a disconnect).
func (s *JSONLSink) Write(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", event.Sequence, err)
	}

	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event %d: %w", event.Sequence, err)
	}
	return nil
}

// Close marks the sink closed. It does not close the underlying writer,
// which the caller typically owns (e.g. an HTTP response).
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
