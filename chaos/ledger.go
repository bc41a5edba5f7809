package chaos

import (
	"fmt"
	"sync"
)

var (
	// ErrDuplicateRecord is returned when a RunID is committed twice.
	ErrDuplicateRecord = fmt.Errorf("%w: run record already committed", ErrInvariant)
	// ErrUnknownGeneration is returned when a record references a plan
	// generation the ledger never saw.
	ErrUnknownGeneration = fmt.Errorf("%w: record references unknown plan generation", ErrInvariant)
)

// RecordSink durably persists committed records (e.g. a JSONL journal).
type RecordSink interface {
	Append(rec RunRecord) error
}

// Ledger is the append-only run history of a campaign. Every record is
// committed exactly once and references a plan generation recorded earlier.
type Ledger struct {
	mu       sync.RWMutex
	plans    map[Generation]RunPlan
	records  []RunRecord
	runIDs   map[uint64]bool
	sink     RecordSink
	lastPlan Generation
}

// NewLedger creates a Ledger. sink may be nil.
func NewLedger(sink RecordSink) *Ledger {
	return &Ledger{
		plans:  make(map[Generation]RunPlan),
		runIDs: make(map[uint64]bool),
		sink:   sink,
	}
}

// RecordPlan registers a plan generation before it is run. Generations must
// strictly increase.
func (l *Ledger) RecordPlan(plan RunPlan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if plan.Generation <= l.lastPlan {
		return fmt.Errorf("%w: got %d after %d", ErrStaleGeneration, plan.Generation, l.lastPlan)
	}
	l.plans[plan.Generation] = plan.Clone()
	l.lastPlan = plan.Generation
	return nil
}

// Commit appends rec. The sink is written before the record becomes
// visible, so a failed write leaves the ledger unchanged.
func (l *Ledger) Commit(rec RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runIDs[rec.RunID] {
		return fmt.Errorf("%w: run %d", ErrDuplicateRecord, rec.RunID)
	}
	if _, ok := l.plans[rec.Plan.Generation]; !ok {
		return fmt.Errorf("%w: run %d generation %d", ErrUnknownGeneration, rec.RunID, rec.Plan.Generation)
	}
	if l.sink != nil {
		if err := l.sink.Append(rec); err != nil {
			return fmt.Errorf("committing run %d: %w", rec.RunID, err)
		}
	}
	l.runIDs[rec.RunID] = true
	l.records = append(l.records, rec)
	return nil
}

// Records returns a copy of the committed records in commit order.
func (l *Ledger) Records() []RunRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]RunRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Plan returns the recorded plan for gen.
func (l *Ledger) Plan(gen Generation) (RunPlan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.plans[gen]
	return p, ok
}

// Len returns the number of committed records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
