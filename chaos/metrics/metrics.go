// Package metrics exposes campaign telemetry as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kaos-harness/kaos/chaos"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kaos",
			Name:      "runs_total",
			Help:      "Total number of completed runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kaos",
			Name:      "run_seconds",
			Help:      "Run duration in seconds (time to failure for failed runs).",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	triggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kaos",
			Name:      "triggers_total",
			Help:      "Total number of fail point triggers observed, partitioned by point.",
		},
		[]string{"point"},
	)

	availabilityViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kaos",
			Name:      "availability_violations_total",
			Help:      "Failed runs whose time to failure was below the availability floor.",
		},
	)

	planGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kaos",
			Name:      "plan_generation",
			Help:      "Generation of the most recently executed plan.",
		},
	)

	pointMTBFSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kaos",
			Name:      "point_mtbf_seconds",
			Help:      "Current MTBF estimate per fail point.",
		},
		[]string{"point"},
	)
)

// Register attaches kaos collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		triggersTotal,
		availabilityViolationsTotal,
		planGeneration,
		pointMTBFSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records the outcome, duration and trigger counts of a run.
func ObserveRun(rec chaos.RunRecord) {
	runsTotal.WithLabelValues(string(rec.Outcome)).Inc()
	d := rec.Exposure()
	if d < 0 {
		d = 0
	}
	runDurationSeconds.Observe(d.Seconds())
	for id, c := range rec.Triggers {
		if c.Triggers > 0 {
			triggersTotal.WithLabelValues(id).Add(float64(c.Triggers))
		}
	}
	if rec.AvailabilityViolated {
		availabilityViolationsTotal.Inc()
	}
	planGeneration.Set(float64(rec.Plan.Generation))
}

// SetMTBF publishes the MTBF estimate of a point. Samples-free points are
// not published.
func SetMTBF(id string, seconds float64, samples int) {
	if samples == 0 {
		return
	}
	pointMTBFSeconds.WithLabelValues(id).Set(seconds)
}
