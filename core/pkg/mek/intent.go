package mek

// Intent is the caller's declared name for the operation being requested,
// plus a human description. Intents are declared by the client binding
// layer, never inferred by the kernel — inference is one of the guarded
// negative capabilities (see core/pkg/negcap).
type Intent struct {
	Name        string
	Description string
}

// NewIntent constructs an Intent. Name must be non-empty; the kernel never
// manufactures an intent on a caller's behalf.
func NewIntent(name, description string) (Intent, error) {
	if name == "" {
		return Intent{}, ErrEmptyIntent
	}
	return Intent{Name: name, Description: description}, nil
}
