package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/estimator"
)

// PointSummary aggregates the runs in which one fail point was active.
type PointSummary struct {
	Selected int    // runs with p > 0
	Failed   int    // of which failed
	Hits     uint64 // checkpoint calls across those runs
	Triggers uint64
}

// Summary aggregates statistics from a campaign's run records.
type Summary struct {
	TotalRuns              int
	Survived               int
	Failed                 int
	Cancelled              int
	ProbeUnavailable       int
	AvailabilityViolations int
	MeanTimeToFailure      time.Duration // over failed runs
	MinTimeToFailure       time.Duration
	TotalDuration          time.Duration
	Points                 map[string]PointSummary
}

// Summarize computes aggregate statistics from run records.
// Safe for nil or empty input (returns zero-value fields).
func Summarize(records []chaos.RunRecord) *Summary {
	summary := &Summary{Points: make(map[string]PointSummary)}
	var ttfTotal time.Duration
	for _, rec := range records {
		summary.TotalRuns++
		summary.TotalDuration += rec.Duration
		switch rec.Outcome {
		case chaos.OutcomeSurvived:
			summary.Survived++
		case chaos.OutcomeFailed:
			summary.Failed++
			ttfTotal += rec.TimeToFail
			if summary.Failed == 1 || rec.TimeToFail < summary.MinTimeToFailure {
				summary.MinTimeToFailure = rec.TimeToFail
			}
		case chaos.OutcomeCancelled:
			summary.Cancelled++
		case chaos.OutcomeProbeUnavailable:
			summary.ProbeUnavailable++
		}
		if rec.AvailabilityViolated {
			summary.AvailabilityViolations++
		}
		for id, act := range rec.Plan.Entries {
			if act.Probability <= 0 {
				continue
			}
			ps := summary.Points[id]
			ps.Selected++
			if rec.Outcome == chaos.OutcomeFailed {
				ps.Failed++
			}
			ps.Hits += rec.Triggers[id].Hits
			ps.Triggers += rec.Triggers[id].Triggers
			summary.Points[id] = ps
		}
	}
	if summary.Failed > 0 {
		summary.MeanTimeToFailure = ttfTotal / time.Duration(summary.Failed)
	}
	return summary
}

// Availability returns the fraction of informative runs that survived, or
// NaN when there were none.
func (s *Summary) Availability() float64 {
	informative := s.Survived + s.Failed
	if informative == 0 {
		return math.NaN()
	}
	return float64(s.Survived) / float64(informative)
}

// EstimateSource supplies per-point MTBF estimates for printing.
type EstimateSource interface {
	Estimate(id string) estimator.Estimate
}

// Print writes a human-readable report. est may be nil.
func (s *Summary) Print(w io.Writer, est EstimateSource) {
	fmt.Fprintln(w, "=== Campaign Summary ===")
	fmt.Fprintf(w, "Total Runs           : %d\n", s.TotalRuns)
	fmt.Fprintf(w, "Survived             : %d\n", s.Survived)
	fmt.Fprintf(w, "Failed               : %d\n", s.Failed)
	fmt.Fprintf(w, "Cancelled            : %d\n", s.Cancelled)
	fmt.Fprintf(w, "Probe Unavailable    : %d\n", s.ProbeUnavailable)
	fmt.Fprintf(w, "Availability Floor Violations : %d\n", s.AvailabilityViolations)
	if a := s.Availability(); !math.IsNaN(a) {
		fmt.Fprintf(w, "Availability         : %.1f%%\n", 100*a)
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, "Mean Time To Failure : %v\n", s.MeanTimeToFailure)
		fmt.Fprintf(w, "Min Time To Failure  : %v\n", s.MinTimeToFailure)
	}
	fmt.Fprintf(w, "Total Run Time       : %v\n", s.TotalDuration)

	ids := make([]string, 0, len(s.Points))
	for id := range s.Points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return
	}
	fmt.Fprintln(w, "=== Fail Points ===")
	for _, id := range ids {
		ps := s.Points[id]
		fmt.Fprintf(w, "%-24s selected=%d failed=%d hits=%d triggers=%d", id, ps.Selected, ps.Failed, ps.Hits, ps.Triggers)
		if est != nil {
			e := est.Estimate(id)
			if e.LowConfidence {
				fmt.Fprintf(w, " mtbf=%.3fs (low confidence, n=%d)", e.Mean, e.Samples)
			} else {
				fmt.Fprintf(w, " mtbf=%.3fs [%.3f, %.3f] n=%d", e.Mean, e.Lower, e.Upper, e.Samples)
			}
		}
		fmt.Fprintln(w)
	}
}
