// Package estimator maintains the online MTBF model of a campaign.
//
// Time-to-failure samples are accumulated per (fail point, action) with
// Welford's single-pass update; per-point views merge the action models with
// the parallel update of Chan et al. Alongside the samples, every active
// entry accrues probability-weighted exposure so points that never failed
// still carry a usable (censored) rate estimate.
package estimator

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kaos-harness/kaos/chaos"
)

// Key identifies one MTBF model.
type Key struct {
	Point  string
	Action chaos.ActionKind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Point, k.Action)
}

// Stats is a Welford accumulator over time-to-failure samples in seconds.
type Stats struct {
	Count int
	Mean  float64
	M2    float64
}

// Add folds one sample into the accumulator.
func (s *Stats) Add(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (x - s.Mean)
}

// Variance returns the unbiased sample variance, or 0 below two samples.
func (s Stats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / float64(s.Count-1)
}

// Merge combines two accumulators as if every sample had been added to one.
func (s Stats) Merge(o Stats) Stats {
	if s.Count == 0 {
		return o
	}
	if o.Count == 0 {
		return s
	}
	n := s.Count + o.Count
	delta := o.Mean - s.Mean
	return Stats{
		Count: n,
		Mean:  s.Mean + delta*float64(o.Count)/float64(n),
		M2:    s.M2 + o.M2 + delta*delta*float64(s.Count)*float64(o.Count)/float64(n),
	}
}

// model is the per-key state.
type model struct {
	ttf      Stats
	failures int
	exposure float64 // Σ probability × seconds
}

// Config tunes confidence reporting.
type Config struct {
	// MinSamples is the sample count below which estimates are reported as
	// low-confidence with an unbounded interval.
	MinSamples int
	// ConfidenceLevel of the MTBF interval, e.g. 0.95.
	ConfidenceLevel float64
}

// DefaultConfig returns the estimator defaults.
func DefaultConfig() Config {
	return Config{MinSamples: 5, ConfidenceLevel: 0.95}
}

// Estimate is the MTBF summary of a point (or a single point/action pair).
type Estimate struct {
	Mean          float64 // seconds
	Variance      float64
	Samples       int
	Lower         float64 // confidence interval on the mean, seconds
	Upper         float64
	LowConfidence bool
	Exposure      float64 // probability-weighted seconds
	Rate          float64 // failures per exposure second (0 when never exposed)
}

// Prediction is the planner's view of one point/action pair.
type Prediction struct {
	// Rate is the hazard per unit trigger probability, failures per second.
	Rate float64
	// Known is false until the pair has been active in at least one
	// informative run.
	Known bool
}

// Estimator is the MTBF Estimator. Safe for concurrent use.
type Estimator struct {
	mu      sync.RWMutex
	cfg     Config
	models  map[Key]*model
	applied map[chaos.RunKey]bool
}

// New creates an empty Estimator.
func New(cfg Config) *Estimator {
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 1
	}
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = DefaultConfig().ConfidenceLevel
	}
	return &Estimator{
		cfg:     cfg,
		models:  make(map[Key]*model),
		applied: make(map[chaos.RunKey]bool),
	}
}

// Apply folds rec into the model. It returns false, changing nothing, when
// the run was already applied or its outcome carries no evidence.
//
// Every entry with nonzero probability accrues exposure; on a failed run
// each of them also receives one time-to-failure sample (shared credit).
func (e *Estimator) Apply(rec chaos.RunRecord) bool {
	if !rec.Outcome.Informative() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applied[rec.Key()] {
		return false
	}
	e.applied[rec.Key()] = true

	seconds := rec.Exposure().Seconds()
	for id, act := range rec.Plan.Entries {
		if act.Probability <= 0 {
			continue
		}
		key := Key{Point: id, Action: act.Action}
		m, ok := e.models[key]
		if !ok {
			m = &model{}
			e.models[key] = m
		}
		m.exposure += act.Probability * seconds
		if rec.Outcome == chaos.OutcomeFailed {
			m.failures++
			m.ttf.Add(seconds)
		}
	}
	logrus.Debugf("estimator: applied run %s/%d (%s, %d entries)", rec.CampaignID, rec.RunID, rec.Outcome, len(rec.Plan.Entries))
	return true
}

// Applied reports whether the run identified by key has been folded in.
func (e *Estimator) Applied(key chaos.RunKey) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.applied[key]
}

// Estimate returns the MTBF estimate of a point across all its actions.
func (e *Estimator) Estimate(id string) Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var agg model
	for k, m := range e.models {
		if k.Point != id {
			continue
		}
		agg.ttf = agg.ttf.Merge(m.ttf)
		agg.failures += m.failures
		agg.exposure += m.exposure
	}
	return e.summarize(agg)
}

// EstimateAction returns the MTBF estimate of one point/action pair.
func (e *Estimator) EstimateAction(id string, action chaos.ActionKind) Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.models[Key{Point: id, Action: action}]
	if !ok {
		return e.summarize(model{})
	}
	return e.summarize(*m)
}

// Predict returns the censored failure rate of a point/action pair. The
// Jeffreys posterior mean (failures + 1/2) / exposure keeps the rate finite
// and positive for pairs that were exposed but never failed.
func (e *Estimator) Predict(id string, action chaos.ActionKind) Prediction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.models[Key{Point: id, Action: action}]
	if !ok || m.exposure <= 0 {
		return Prediction{}
	}
	return Prediction{Rate: jeffreysRate(m.failures, m.exposure), Known: true}
}

// LowConfidence reports whether the point has fewer than MinSamples samples.
func (e *Estimator) LowConfidence(id string) bool {
	return e.Estimate(id).LowConfidence
}

// Points returns the ids with any model state, sorted.
func (e *Estimator) Points() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]bool)
	for k := range e.models {
		seen[k.Point] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Estimator) summarize(m model) Estimate {
	est := Estimate{
		Mean:     m.ttf.Mean,
		Variance: m.ttf.Variance(),
		Samples:  m.ttf.Count,
		Exposure: m.exposure,
	}
	if m.exposure > 0 {
		est.Rate = jeffreysRate(m.failures, m.exposure)
	}
	if m.ttf.Count < e.cfg.MinSamples {
		est.Lower, est.Upper = 0, math.Inf(1)
		est.LowConfidence = true
		return est
	}
	est.Lower, est.Upper = exponentialInterval(m.ttf.Mean, m.ttf.Count, e.cfg.ConfidenceLevel)
	return est
}

func jeffreysRate(failures int, exposure float64) float64 {
	return (float64(failures) + 0.5) / exposure
}

// exponentialInterval returns the exact confidence interval on the mean of
// an exponential distribution: 2n·x̄ / χ²(2n) at the two tail quantiles.
func exponentialInterval(mean float64, n int, level float64) (lower, upper float64) {
	alpha := 1 - level
	chi := distuv.ChiSquared{K: float64(2 * n)}
	total := 2 * float64(n) * mean
	lower = total / chi.Quantile(1-alpha/2)
	upper = total / chi.Quantile(alpha/2)
	return lower, upper
}
