package flow

import "time"

// Options configures Engine execution behavior. Zero values select
// sensible defaults.
type Options struct {
	// QueueDepth bounds each run's event queue between the engine and
	// its sink. Exceeding the depth past EnqueueTimeout is a fatal
	// stream error that cancels the run. Default 64.
	QueueDepth int

	// EnqueueTimeout is how long event emission blocks on a full queue
	// before the run is failed with a backpressure error. Default 5s.
	EnqueueTimeout time.Duration

	// DefaultStepTimeout bounds a single step attempt when the step's
	// definition does not set its own Timeout. Zero means no limit.
	DefaultStepTimeout time.Duration

	// RunTimeout bounds a whole run, cancelling the run's context tree
	// when exceeded. Zero means no limit.
	RunTimeout time.Duration

	// Metrics, when set, receives Prometheus observations for runs,
	// steps, retries, suspensions and stream failures.
	Metrics *Metrics
}
