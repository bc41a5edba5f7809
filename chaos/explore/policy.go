// Package explore implements the exploration policy of the planner: a UCB1
// bonus over per-point selection counts that keeps under-sampled fail points
// in rotation.
package explore

import (
	"math"
	"sync"

	"github.com/kaos-harness/kaos/chaos"
)

// ConfidenceSource reports whether the MTBF model of a point is still
// low-confidence. Satisfied by *estimator.Estimator.
type ConfidenceSource interface {
	LowConfidence(id string) bool
}

// Config tunes the exploration bonus.
type Config struct {
	// C is the UCB1 exploration constant. Default: sqrt(2).
	C float64
	// LowConfidenceBoost multiplies the bonus of points whose estimate is
	// still low-confidence. Values below 1 are treated as 1.
	LowConfidenceBoost float64
}

// DefaultConfig returns standard UCB1 with a mild low-confidence boost.
func DefaultConfig() Config {
	return Config{C: math.Sqrt2, LowConfidenceBoost: 1.25}
}

// Counters is the ExplorationState of one point.
type Counters struct {
	Selected  int    // informative runs in which the point was active
	Triggered uint64 // cumulative triggers observed across those runs; reported, not scored
}

// Policy is the Exploration Policy. Safe for concurrent use.
type Policy struct {
	mu         sync.RWMutex
	cfg        Config
	confidence ConfidenceSource
	counters   map[string]*Counters
	applied    map[chaos.RunKey]bool
	total      int
}

// New creates a Policy. confidence may be nil, in which case no point is
// ever boosted.
func New(cfg Config, confidence ConfidenceSource) *Policy {
	if cfg.C <= 0 {
		cfg.C = math.Sqrt2
	}
	if cfg.LowConfidenceBoost < 1 {
		cfg.LowConfidenceBoost = 1
	}
	return &Policy{
		cfg:        cfg,
		confidence: confidence,
		counters:   make(map[string]*Counters),
		applied:    make(map[chaos.RunKey]bool),
	}
}

// Score returns the exploration bonus of id after totalRuns informative
// runs: +Inf when the point was never selected, otherwise
// C·sqrt(ln(totalRuns)/selected), boosted for low-confidence points.
func (p *Policy) Score(id string, totalRuns int) float64 {
	p.mu.RLock()
	c, ok := p.counters[id]
	selected := 0
	if ok {
		selected = c.Selected
	}
	p.mu.RUnlock()

	if selected == 0 {
		return math.Inf(1)
	}
	n := math.Max(float64(totalRuns), 1)
	bonus := p.cfg.C * math.Sqrt(math.Log(n)/float64(selected))
	if p.confidence != nil && p.confidence.LowConfidence(id) {
		bonus *= p.cfg.LowConfidenceBoost
	}
	return bonus
}

// Apply counts rec once. Only survived and failed runs are counted; replays
// and uninformative outcomes return false and change nothing.
func (p *Policy) Apply(rec chaos.RunRecord) bool {
	if !rec.Outcome.Informative() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied[rec.Key()] {
		return false
	}
	p.applied[rec.Key()] = true
	p.total++
	for id, act := range rec.Plan.Entries {
		if act.Probability <= 0 {
			continue
		}
		c, ok := p.counters[id]
		if !ok {
			c = &Counters{}
			p.counters[id] = c
		}
		c.Selected++
		c.Triggered += rec.Triggers[id].Triggers
	}
	return true
}

// TotalRuns returns the number of runs counted so far.
func (p *Policy) TotalRuns() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}

// Counters returns a copy of the counters of id (zero when never selected).
func (p *Policy) Counters(id string) Counters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.counters[id]; ok {
		return *c
	}
	return Counters{}
}
