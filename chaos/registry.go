package chaos

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateFailPoint is returned when an id is registered twice.
	ErrDuplicateFailPoint = errors.New("duplicate fail point")
	// ErrUnknownFailPoint is returned when an id was never registered.
	ErrUnknownFailPoint = errors.New("unknown fail point")
	// ErrInvalidFailPoint is returned for malformed declarations.
	ErrInvalidFailPoint = errors.New("invalid fail point")
)

// ParamBounds holds optional parameter ranges for a fail point.
// MinDelay/MaxDelay are required when the point supports ActionDelay.
type ParamBounds struct {
	MinDelay time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
}

// FailPoint is an immutable fail point declaration.
type FailPoint struct {
	ID      string
	Actions []ActionKind // supported kinds, canonical order, no duplicates
	Bounds  ParamBounds
	index   int // registration order
}

// Supports reports whether the point accepts the given action kind.
func (fp FailPoint) Supports(kind ActionKind) bool {
	for _, a := range fp.Actions {
		if a == kind {
			return true
		}
	}
	return false
}

// Index returns the registration order of the point (0-based).
func (fp FailPoint) Index() int {
	return fp.index
}

// Registry holds the fail point declarations of one target service.
// It is constructed once at target startup and passed explicitly to the
// Engine and the Plan Generator.
//
// Thread-safety: safe for concurrent use. Lookups never happen on the
// Engine's checkpoint path.
type Registry struct {
	mu     sync.RWMutex
	points map[string]FailPoint
	order  []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{points: make(map[string]FailPoint)}
}

// Register declares a fail point. Returns ErrDuplicateFailPoint if id is
// already registered and ErrInvalidFailPoint for malformed declarations.
func (r *Registry) Register(id string, actions []ActionKind, bounds ParamBounds) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidFailPoint)
	}
	if len(actions) == 0 {
		return fmt.Errorf("%w: %q declares no actions", ErrInvalidFailPoint, id)
	}
	seen := make(map[ActionKind]bool, len(actions))
	for _, a := range actions {
		if !a.Valid() {
			return fmt.Errorf("%w: %q declares unsupported action %v", ErrInvalidFailPoint, id, a)
		}
		seen[a] = true
	}
	if seen[ActionDelay] {
		if bounds.MinDelay < 0 || bounds.MaxDelay < bounds.MinDelay {
			return fmt.Errorf("%w: %q delay bounds [%v, %v] are not a valid range",
				ErrInvalidFailPoint, id, bounds.MinDelay, bounds.MaxDelay)
		}
	}
	canonical := make([]ActionKind, 0, len(seen))
	for _, a := range AllActions {
		if seen[a] {
			canonical = append(canonical, a)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.points[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateFailPoint, id)
	}
	r.points[id] = FailPoint{ID: id, Actions: canonical, Bounds: bounds, index: len(r.order)}
	r.order = append(r.order, id)
	return nil
}

// MustRegister is Register for target startup code; it panics on error.
func (r *Registry) MustRegister(id string, actions []ActionKind, bounds ParamBounds) {
	if err := r.Register(id, actions, bounds); err != nil {
		panic(err)
	}
}

// Lookup returns the declaration for id or ErrUnknownFailPoint.
func (r *Registry) Lookup(id string) (FailPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.points[id]
	if !ok {
		return FailPoint{}, fmt.Errorf("%w: %q", ErrUnknownFailPoint, id)
	}
	return fp, nil
}

// Points returns all declarations in registration order.
func (r *Registry) Points() []FailPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FailPoint, len(r.order))
	for i, id := range r.order {
		out[i] = r.points[id]
	}
	return out
}

// Len returns the number of registered points.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
