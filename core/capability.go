package core

import (
	"context"
	"fmt"
	"sync"
)

// SideEffectClass declares what a handler does to the outside world. The
// failure controller never retries a non-idempotent handler unless its
// fallback config opts in with RetrySafe.
type SideEffectClass string

const (
	SideEffectReadOnly      SideEffectClass = "read_only"
	SideEffectIdempotent    SideEffectClass = "idempotent"
	SideEffectNonIdempotent SideEffectClass = "non_idempotent"
)

// Retryable reports whether the class permits retries by default.
func (c SideEffectClass) Retryable() bool {
	return c != SideEffectNonIdempotent
}

// ProgressFunc reports partial handler progress. Messages are recorded as
// findings against the running step.
type ProgressFunc func(message string)

// CapabilityHandler executes one step. Inputs are fully materialized before
// invocation; the handler observes cancellation through ctx and returns
// outputs conforming to its declared output schema, or a classified error
// (StepError) when it can name the failure kind.
type CapabilityHandler interface {
	Execute(ctx context.Context, inputs map[string]interface{}, report ProgressFunc) (map[string]interface{}, error)
}

// HandlerFunc adapts a plain function to CapabilityHandler.
type HandlerFunc func(ctx context.Context, inputs map[string]interface{}, report ProgressFunc) (map[string]interface{}, error)

// Execute implements CapabilityHandler.
func (f HandlerFunc) Execute(ctx context.Context, inputs map[string]interface{}, report ProgressFunc) (map[string]interface{}, error) {
	return f(ctx, inputs, report)
}

// CapabilityDescriptor describes one capability: its logical name, typed I/O
// contract, side-effect class and the handler itself.
type CapabilityDescriptor struct {
	// AgentType is the logical capability name steps bind to.
	AgentType string `json:"agent_type"`

	// Domain optionally disambiguates capabilities sharing an agent type.
	Domain string `json:"domain,omitempty"`

	// Description documents what the capability does.
	Description string `json:"description,omitempty"`

	// InputSchema is a JSON-Schema document for the handler's inputs.
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`

	// OutputSchema is a JSON-Schema document for the handler's outputs.
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	// SideEffect declares the handler's side-effect class. Empty means
	// idempotent.
	SideEffect SideEffectClass `json:"side_effect_class,omitempty"`

	// Handler is the opaque function the step runner invokes.
	Handler CapabilityHandler `json:"-"`
}

// EffectClass returns the side-effect class, defaulting to idempotent.
func (d *CapabilityDescriptor) EffectClass() SideEffectClass {
	if d.SideEffect == "" {
		return SideEffectIdempotent
	}
	return d.SideEffect
}

// CapabilityRegistry resolves (agent_type, domain?) to a descriptor.
type CapabilityRegistry interface {
	// Resolve returns the descriptor for the binding, or
	// ErrCapabilityNotFound. When no domain-specific capability exists the
	// domainless registration for the same agent type is returned.
	Resolve(agentType, domain string) (*CapabilityDescriptor, error)

	// Register adds a capability. Registering the same (agent_type, domain)
	// twice replaces the earlier descriptor.
	Register(desc *CapabilityDescriptor) error

	// List returns all registered descriptors.
	List() []*CapabilityDescriptor
}

// StaticRegistry is a table-driven in-process CapabilityRegistry.
type StaticRegistry struct {
	mu   sync.RWMutex
	caps map[string]*CapabilityDescriptor
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{caps: make(map[string]*CapabilityDescriptor)}
}

func capabilityKey(agentType, domain string) string {
	if domain == "" {
		return agentType
	}
	return fmt.Sprintf("%s/%s", agentType, domain)
}

// Register adds or replaces a capability descriptor.
func (r *StaticRegistry) Register(desc *CapabilityDescriptor) error {
	if desc == nil || desc.AgentType == "" {
		return fmt.Errorf("%w: capability needs an agent type", ErrInvalidConfiguration)
	}
	if desc.Handler == nil {
		return fmt.Errorf("%w: capability %q has no handler", ErrInvalidConfiguration, desc.AgentType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[capabilityKey(desc.AgentType, desc.Domain)] = desc
	return nil
}

// Resolve looks up (agent_type, domain), falling back to the domainless
// registration.
func (r *StaticRegistry) Resolve(agentType, domain string) (*CapabilityDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if desc, ok := r.caps[capabilityKey(agentType, domain)]; ok {
		return desc, nil
	}
	if domain != "" {
		if desc, ok := r.caps[agentType]; ok {
			return desc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, capabilityKey(agentType, domain))
}

// List returns all registered descriptors in unspecified order.
func (r *StaticRegistry) List() []*CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CapabilityDescriptor, 0, len(r.caps))
	for _, d := range r.caps {
		out = append(out, d)
	}
	return out
}

// Compile-time interface compliance check
var _ CapabilityRegistry = (*StaticRegistry)(nil)
