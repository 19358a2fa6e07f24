package flow

import "sync"

// Registry holds registered step definitions. Definitions are immutable
// once registered and live for the process lifetime.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]StepDefinition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]StepDefinition)}
}

// Register adds a step definition. Returns an error for an empty name, a
// nil body, an invalid retry policy, or a duplicate name.
func (r *Registry) Register(def StepDefinition) error {
	if def.Name == "" {
		return &EngineError{Message: "step name cannot be empty"}
	}
	if def.Execute == nil {
		return &EngineError{Message: "step " + def.Name + " has no body"}
	}
	if def.Retry != nil {
		if err := def.Retry.Validate(); err != nil {
			return &EngineError{Message: "step " + def.Name + ": " + err.Error(), Code: "INVALID_RETRY_POLICY"}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[def.Name]; exists {
		return &EngineError{Message: "duplicate step name: " + def.Name, Code: "DUPLICATE_STEP"}
	}
	r.steps[def.Name] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (StepDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.steps[name]
	return def, ok
}
