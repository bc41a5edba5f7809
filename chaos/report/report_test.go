package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/estimator"
)

func record(runID uint64, outcome chaos.Outcome, ttf time.Duration, ids ...string) chaos.RunRecord {
	entries := make(map[string]chaos.Activation)
	triggers := make(map[string]chaos.PointCounts)
	for _, id := range ids {
		entries[id] = chaos.Activation{Action: chaos.ActionCrash, Probability: 0.25}
		triggers[id] = chaos.PointCounts{Hits: 8, Triggers: 2}
	}
	rec := chaos.RunRecord{
		RunID:    runID,
		Plan:     chaos.RunPlan{Generation: chaos.Generation(runID), Budget: time.Second, Entries: entries},
		Outcome:  outcome,
		Duration: time.Second,
		Triggers: triggers,
	}
	if outcome == chaos.OutcomeFailed {
		rec.TimeToFail = ttf
		rec.Duration = ttf
	}
	return rec
}

func TestJournal_AppendsOneJSONObjectPerLine(t *testing.T) {
	// GIVEN a fresh journal
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	j, err := OpenJournal(path)
	require.NoError(t, err)

	// WHEN two records are appended
	require.NoError(t, j.Append(record(1, chaos.OutcomeSurvived, 0, "A")))
	require.NoError(t, j.Append(record(2, chaos.OutcomeFailed, 300*time.Millisecond, "B")))
	require.NoError(t, j.Close())

	// THEN each line is a standalone JSON object with readable enums
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
		lines = append(lines, obj)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "survived", lines[0]["outcome"])
	assert.Equal(t, "failed", lines[1]["outcome"])
	entries := lines[1]["plan"].(map[string]any)["entries"].(map[string]any)
	assert.Equal(t, "crash", entries["B"].(map[string]any)["action"])
}

func TestJournal_ReopenAppendsAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	for i := uint64(1); i <= 3; i++ {
		j, err := OpenJournal(path)
		require.NoError(t, err)
		require.NoError(t, j.Append(record(i, chaos.OutcomeFailed, time.Duration(i)*time.Millisecond, "A")))
		require.NoError(t, j.Close())
	}

	records, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.RunID)
		assert.Equal(t, chaos.ActionCrash, rec.Plan.Entries["A"].Action)
		assert.Equal(t, time.Duration(i+1)*time.Millisecond, rec.TimeToFail)
	}
}

func TestReadJournal_CorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"run_id\":1}\nnot json\n"), 0o644))
	_, err := ReadJournal(path)
	assert.ErrorContains(t, err, "line 2")
}

func TestSummarize_EmptyRecords_ZeroValues(t *testing.T) {
	// GIVEN no records
	summary := Summarize(nil)

	// THEN all counts are zero
	if summary.TotalRuns != 0 || summary.Failed != 0 || summary.Survived != 0 {
		t.Errorf("expected zero counts, got %+v", summary)
	}
	if len(summary.Points) != 0 {
		t.Error("expected empty point map")
	}
	if !math.IsNaN(summary.Availability()) {
		t.Errorf("expected NaN availability, got %v", summary.Availability())
	}
}

func TestSummarize_MixedOutcomes_CorrectCounts(t *testing.T) {
	// GIVEN a mix of outcomes
	flagged := record(3, chaos.OutcomeFailed, 100*time.Millisecond, "A")
	flagged.AvailabilityViolated = true
	records := []chaos.RunRecord{
		record(1, chaos.OutcomeSurvived, 0, "A", "B"),
		record(2, chaos.OutcomeFailed, 300*time.Millisecond, "B"),
		flagged,
		record(4, chaos.OutcomeProbeUnavailable, 0, "C"),
		record(5, chaos.OutcomeCancelled, 0),
	}

	// WHEN summarized
	s := Summarize(records)

	// THEN counts and time-to-failure statistics match
	if s.TotalRuns != 5 || s.Survived != 1 || s.Failed != 2 || s.ProbeUnavailable != 1 || s.Cancelled != 1 {
		t.Errorf("unexpected outcome counts: %+v", s)
	}
	if s.AvailabilityViolations != 1 {
		t.Errorf("expected 1 availability violation, got %d", s.AvailabilityViolations)
	}
	if s.MeanTimeToFailure != 200*time.Millisecond {
		t.Errorf("expected mean TTF 200ms, got %v", s.MeanTimeToFailure)
	}
	if s.MinTimeToFailure != 100*time.Millisecond {
		t.Errorf("expected min TTF 100ms, got %v", s.MinTimeToFailure)
	}
	if got := s.Points["B"]; got.Selected != 2 || got.Failed != 1 || got.Triggers != 4 {
		t.Errorf("unexpected point B summary: %+v", got)
	}
	if math.Abs(s.Availability()-1.0/3) > 1e-12 {
		t.Errorf("expected availability 1/3, got %v", s.Availability())
	}
}

type fixedEstimates map[string]estimator.Estimate

func (f fixedEstimates) Estimate(id string) estimator.Estimate { return f[id] }

func TestSummary_Print(t *testing.T) {
	s := Summarize([]chaos.RunRecord{
		record(1, chaos.OutcomeFailed, 250*time.Millisecond, "A"),
		record(2, chaos.OutcomeSurvived, 0, "B"),
	})
	var buf bytes.Buffer
	s.Print(&buf, fixedEstimates{
		"A": {Mean: 0.25, Samples: 1, LowConfidence: true, Upper: math.Inf(1)},
		"B": {Mean: 2, Samples: 9, Lower: 1, Upper: 4},
	})
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "=== Campaign Summary ==="))
	assert.Contains(t, out, "Failed               : 1")
	assert.Contains(t, out, "Availability         : 50.0%")
	assert.Contains(t, out, "low confidence, n=1")
	assert.Contains(t, out, "[1.000, 4.000] n=9")
}
