package chaos

import (
	"fmt"
	"time"
)

// Outcome is the terminal result of one run.
type Outcome string

const (
	OutcomeSurvived         Outcome = "survived"
	OutcomeFailed           Outcome = "failed"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeProbeUnavailable Outcome = "probe_unavailable"
)

// Informative reports whether the outcome carries evidence about the
// target's fault tolerance. Cancelled and ProbeUnavailable runs do not.
func (o Outcome) Informative() bool {
	return o == OutcomeSurvived || o == OutcomeFailed
}

// RunRecord is the append-only result of one run. Records are created at
// run completion and never mutated afterward.
type RunRecord struct {
	RunID      uint64                 `json:"run_id"`
	CampaignID string                 `json:"campaign_id"`
	Plan       RunPlan                `json:"plan"`
	Outcome    Outcome                `json:"outcome"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
	Duration   time.Duration          `json:"duration"`
	TimeToFail time.Duration          `json:"time_to_failure,omitempty"` // OutcomeFailed only
	Triggers   map[string]PointCounts `json:"triggers"`

	// AvailabilityViolated is set when the run failed sooner than the
	// campaign's minimum availability.
	AvailabilityViolated bool   `json:"availability_violated,omitempty"`
	Error                string `json:"error,omitempty"`
}

// RunKey identifies a run across campaigns; RunIDs restart at 1 in every
// campaign while journals may span several.
type RunKey struct {
	CampaignID string
	RunID      uint64
}

// Key returns the record's RunKey.
func (r RunRecord) Key() RunKey {
	return RunKey{CampaignID: r.CampaignID, RunID: r.RunID}
}

// Exposure returns the observed run length used for rate estimation:
// the time to failure for failed runs, the full duration otherwise.
func (r RunRecord) Exposure() time.Duration {
	if r.Outcome == OutcomeFailed {
		return r.TimeToFail
	}
	return r.Duration
}

func (r RunRecord) String() string {
	return fmt.Sprintf("RunRecord(run=%d, gen=%d, outcome=%s, duration=%v, ttf=%v)",
		r.RunID, r.Plan.Generation, r.Outcome, r.Duration, r.TimeToFail)
}
