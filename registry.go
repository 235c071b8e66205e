package stepflow

import (
	"fmt"
	"sync"
)

// Registry is the step definition table: workflow type -> definition
type Registry struct {
	mu   sync.RWMutex
	defs map[WorkflowType]*Definition
}

// NewRegistry creates a registry holding the given definitions
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[WorkflowType]*Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a validated definition
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid workflow %s: %w", d.Type(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[d.Type()]; exists {
		return fmt.Errorf("workflow %s already registered", d.Type())
	}
	r.defs[d.Type()] = d
	return nil
}

// Get returns the definition of a workflow type
func (r *Registry) Get(typ WorkflowType) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.defs[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, typ)
	}
	return d, nil
}

// GetSteps returns the ordered steps of a workflow type
func (r *Registry) GetSteps(typ WorkflowType) ([]*StepSpec, error) {
	d, err := r.Get(typ)
	if err != nil {
		return nil, err
	}
	return d.Steps(), nil
}

// Types lists the registered workflow types in name order
func (r *Registry) Types() []WorkflowType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return SortedKeys(r.defs)
}
