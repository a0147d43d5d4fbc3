package mek

import (
	"context"
	"fmt"
)

// ConsequenceLevel is the coarse risk tier that sets baseline friction.
type ConsequenceLevel string

const (
	ConsequenceLow    ConsequenceLevel = "LOW"
	ConsequenceMedium ConsequenceLevel = "MEDIUM"
	ConsequenceHigh   ConsequenceLevel = "HIGH"
)

func (l ConsequenceLevel) valid() bool {
	switch l {
	case ConsequenceLow, ConsequenceMedium, ConsequenceHigh:
		return true
	default:
		return false
	}
}

// ExecFunc is a capability's internal execution function. It is never
// exported by CapabilityContract; the only caller that can reach it is the
// Guard in this same package (see dispatch). A capability signals a refused
// (but structurally expected) outcome by returning a *CapabilityError, whose
// Reason gate 12 preserves; any other error also becomes an execution_failed
// Non-Action, with an empty capability_reason. A panic is not recovered.
type ExecFunc func(ctx context.Context, mc *Context) (any, error)

// CapabilityError is returned by built-in capabilities for refusals that
// belong to their own taxonomy (e.g. filesystem's path_out_of_scope). Gate
// 12 recognizes this type and preserves Reason in the Non-Action's details.
type CapabilityError struct {
	Capability string
	Reason     string
	Detail     string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Capability, e.Reason, e.Detail)
}

// CapabilityContract is an immutable, registered-once description of a
// privileged capability. Its exported Execute method is a structural trap:
// calling it directly always panics with an invariant-1 violation. Only the
// Guard in this package can reach the real execution function, via the
// unexported dispatch method.
type CapabilityContract struct {
	name                  string
	consequenceLevel      ConsequenceLevel
	requiredContextFields []string
	inputSchema           string // optional JSON Schema text, validated at the context-validity gate
	exec                  ExecFunc
}

// NewCapabilityContract constructs a CapabilityContract. name must be
// non-empty and unique within a Registry; level must be one of LOW, MEDIUM,
// HIGH; exec must be non-nil.
func NewCapabilityContract(name string, level ConsequenceLevel, requiredContextFields []string, exec ExecFunc) (*CapabilityContract, error) {
	if name == "" {
		return nil, fmt.Errorf("mek: capability name must be non-empty")
	}
	if !level.valid() {
		return nil, fmt.Errorf("mek: invalid consequence level %q", level)
	}
	if exec == nil {
		return nil, fmt.Errorf("mek: capability %q requires an execution function", name)
	}
	fields := make([]string, len(requiredContextFields))
	copy(fields, requiredContextFields)
	return &CapabilityContract{
		name:                  name,
		consequenceLevel:      level,
		requiredContextFields: fields,
		exec:                  exec,
	}, nil
}

// WithInputSchema attaches a JSON Schema (draft 2020-12) used to validate a
// Context's fields at the context-validity gate. Returns a new contract;
// CapabilityContract remains immutable after NewCapabilityContract.
func (c *CapabilityContract) WithInputSchema(schema string) *CapabilityContract {
	clone := *c
	clone.inputSchema = schema
	return &clone
}

func (c *CapabilityContract) Name() string                     { return c.name }
func (c *CapabilityContract) ConsequenceLevel() ConsequenceLevel { return c.consequenceLevel }
func (c *CapabilityContract) InputSchema() string               { return c.inputSchema }

// RequiredContextFields returns a defensive copy.
func (c *CapabilityContract) RequiredContextFields() []string {
	out := make([]string, len(c.requiredContextFields))
	copy(out, c.requiredContextFields)
	return out
}

// Execute is the public trap. Per invariant 1, calling it directly — from
// anywhere other than the Guard's internal dispatch — always panics.
func (c *CapabilityContract) Execute(ctx context.Context, mc *Context) (any, error) {
	panic(newInvariantViolation(
		"invariant_1_direct_execution",
		fmt.Sprintf("direct execution of capability %q is forbidden; only the Execution Guard may invoke it", c.name),
	))
}

// dispatch is the only path to exec. It is unexported, so no package
// outside core/pkg/mek can reach it — the compile-time half of the
// direct-execution trap, Execute above being the runtime half.
func (c *CapabilityContract) dispatch(ctx context.Context, mc *Context) (any, error) {
	return c.exec(ctx, mc)
}
