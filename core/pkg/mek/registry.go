package mek

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry is the Capability Registry: initialized once at startup with a
// vector of CapabilityContracts, then locked. Lookup by name returns an
// immutable reference. Registration after locking, or of a duplicate name,
// fails loudly — these are invariant violations, not refusals, matching
// capability_registry.py's module-level registry with its register/
// lock_registry/get_capability shape.
type Registry struct {
	mu       sync.RWMutex
	locked   bool
	entries  map[string]*CapabilityContract
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry returns an empty, unlocked Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*CapabilityContract),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a CapabilityContract. Panics with an InvariantViolationError
// if the registry is already locked or the name is already registered —
// these can only happen from a programming error in process wiring, never
// from an external request.
func (r *Registry) Register(c *CapabilityContract) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		panic(newInvariantViolation("registry_locked", fmt.Sprintf("cannot register capability %q: registry is locked", c.Name())))
	}
	if _, exists := r.entries[c.Name()]; exists {
		panic(newInvariantViolation("duplicate_capability", fmt.Sprintf("capability %q already registered", c.Name())))
	}

	if c.InputSchema() != "" {
		compiler := jsonschema.NewCompiler()
		url := "mem://" + c.Name() + ".json"
		if err := compiler.AddResource(url, strings.NewReader(c.InputSchema())); err != nil {
			panic(newInvariantViolation("invalid_input_schema", fmt.Sprintf("capability %q: %v", c.Name(), err)))
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic(newInvariantViolation("invalid_input_schema", fmt.Sprintf("capability %q: %v", c.Name(), err)))
		}
		r.schemas[c.Name()] = schema
	}

	r.entries[c.Name()] = c
}

// Lock freezes the registry. After Lock, Register always panics: the set of
// registered capabilities is frozen after startup, with no runtime
// registration.
func (r *Registry) Lock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = true
}

// Locked reports whether the registry has been locked.
func (r *Registry) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Get looks up a capability by name.
func (r *Registry) Get(name string) (*CapabilityContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[name]
	return c, ok
}

// List returns all registered capability names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}

// ValidateFields validates a context's fields against the capability's
// compiled JSON Schema, if one was attached via WithInputSchema. Capabilities
// without a schema are not validated here — they rely on
// RequiredContextFields instead.
func (r *Registry) ValidateFields(name string, fields map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return schema.Validate(fields)
}
