package stream

// NullSink discards all events.
//
// Used for runs whose caller polls Engine.Status instead of attaching a
// stream consumer.
type NullSink struct{}

// NewNullSink creates a NullSink.
func NewNullSink() *NullSink {
	return &NullSink{}
}

// Write discards the event.
func (*NullSink) Write(Event) error { return nil }

// Close is a no-op.
func (*NullSink) Close() error { return nil }
