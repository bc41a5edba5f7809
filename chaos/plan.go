package chaos

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Generation is a monotonically increasing version tag of a RunPlan.
type Generation uint64

// Activation describes how one fail point behaves during a run.
type Activation struct {
	Action      ActionKind    `json:"action"`
	Probability float64       `json:"probability"`
	Delay       time.Duration `json:"delay,omitempty"` // ActionDelay only
}

// RunPlan maps fail point ids to activations for one run.
// A RunPlan is immutable once produced: the Engine compiles it into its own
// snapshot and never reads the map again.
type RunPlan struct {
	Generation Generation            `json:"generation"`
	Budget     time.Duration         `json:"budget"`
	Entries    map[string]Activation `json:"entries"`
}

// EmptyPlan returns a plan with no active entries.
func EmptyPlan(gen Generation) RunPlan {
	return RunPlan{Generation: gen, Entries: map[string]Activation{}}
}

// IsEmpty reports whether the plan activates nothing.
func (p RunPlan) IsEmpty() bool {
	for _, a := range p.Entries {
		if a.Probability > 0 {
			return false
		}
	}
	return true
}

// ActivePoints returns ids with nonzero trigger probability, sorted.
func (p RunPlan) ActivePoints() []string {
	ids := make([]string, 0, len(p.Entries))
	for id, a := range p.Entries {
		if a.Probability > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy, used when a plan is snapshotted into a record.
func (p RunPlan) Clone() RunPlan {
	entries := make(map[string]Activation, len(p.Entries))
	for id, a := range p.Entries {
		entries[id] = a
	}
	return RunPlan{Generation: p.Generation, Budget: p.Budget, Entries: entries}
}

// Validate checks probability ranges and action kinds.
func (p RunPlan) Validate() error {
	if p.Budget < 0 {
		return fmt.Errorf("plan generation %d: negative budget %v", p.Generation, p.Budget)
	}
	for id, a := range p.Entries {
		if math.IsNaN(a.Probability) || a.Probability < 0 || a.Probability > 1 {
			return fmt.Errorf("plan generation %d: %q probability must be in [0, 1], got %v",
				p.Generation, id, a.Probability)
		}
		if !a.Action.Valid() {
			return fmt.Errorf("plan generation %d: %q has no valid action (%v)", p.Generation, id, a.Action)
		}
		if a.Delay < 0 {
			return fmt.Errorf("plan generation %d: %q negative delay %v", p.Generation, id, a.Delay)
		}
	}
	return nil
}

func (p RunPlan) String() string {
	return fmt.Sprintf("RunPlan(gen=%d, budget=%v, active=%v)", p.Generation, p.Budget, p.ActivePoints())
}
