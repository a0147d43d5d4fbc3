package mek

import (
	"errors"
	"math"

	"github.com/google/uuid"
)

// ErrInvalidConfidence is returned when confidence is missing, NaN, or
// outside [0, 1].
var ErrInvalidConfidence = errors.New("confidence must be a real number in [0, 1]")

// ErrEmptyIntent is returned when intent is empty.
var ErrEmptyIntent = errors.New("intent must be non-empty")

// Context is the immutable, per-invocation bundle the guard evaluates.
// It has no exported field-mutating methods: once constructed, a Context
// cannot change, which is invariant 1's "Context validity" gate made a
// compile-time property rather than a runtime check.
type Context struct {
	contextID  string
	confidence float64
	intent     string
	fields     map[string]any
	profileID  string
	sessionID  string
}

// ContextOption configures optional Context fields.
type ContextOption func(*Context)

// WithProfileID attaches an optional profile identifier.
func WithProfileID(id string) ContextOption {
	return func(c *Context) { c.profileID = id }
}

// WithSessionID attaches an optional session identifier.
func WithSessionID(id string) ContextOption {
	return func(c *Context) { c.sessionID = id }
}

// NewContext constructs a Context. An empty contextID is replaced with a
// freshly generated one. Construction fails if confidence is NaN or outside
// [0, 1], or if intent is empty.
func NewContext(contextID string, confidence float64, intent string, fields map[string]any, opts ...ContextOption) (*Context, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, ErrInvalidConfidence
	}
	if intent == "" {
		return nil, ErrEmptyIntent
	}
	if contextID == "" {
		contextID = uuid.NewString()
	}

	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}

	c := &Context{
		contextID:  contextID,
		confidence: confidence,
		intent:     intent,
		fields:     cp,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Context) ContextID() string    { return c.contextID }
func (c *Context) Confidence() float64  { return c.confidence }
func (c *Context) Intent() string       { return c.intent }
func (c *Context) ProfileID() string    { return c.profileID }
func (c *Context) SessionID() string    { return c.sessionID }

// Field returns a field value and whether it was present.
func (c *Context) Field(name string) (any, bool) {
	v, ok := c.fields[name]
	return v, ok
}

// Fields returns a defensive copy of the context's field map.
func (c *Context) Fields() map[string]any {
	cp := make(map[string]any, len(c.fields))
	for k, v := range c.fields {
		cp[k] = v
	}
	return cp
}

// MissingFields reports which of required is absent from this Context.
func (c *Context) MissingFields(required []string) []string {
	var missing []string
	for _, f := range required {
		if _, ok := c.fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}
