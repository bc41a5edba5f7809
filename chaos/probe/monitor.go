package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/kaos-harness/kaos/chaos"
)

// FailureError is returned by Watch when the target missed MissThreshold
// consecutive probes over a working transport.
type FailureError struct {
	FirstMiss time.Time // start of the first probe of the miss streak
	Misses    int
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("target down: %d consecutive misses since %s", e.Misses, e.FirstMiss.Format(time.RFC3339Nano))
}

// UnavailableError is returned by Watch when the probe transport kept
// failing after all retries.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("probe unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

type verdict int

const (
	alive verdict = iota
	down
)

// Monitor periodically probes the target during a run.
type Monitor struct {
	prober Prober
	cfg    chaos.ProbeConfig
	now    func() time.Time
}

// NewMonitor creates a Monitor. cfg must have passed Validate.
func NewMonitor(p Prober, cfg chaos.ProbeConfig) *Monitor {
	return &Monitor{prober: p, cfg: cfg, now: time.Now}
}

// Watch probes every Interval until ctx is done (returns nil), the target
// is declared down (*FailureError) or the transport is unavailable
// (*UnavailableError).
func (m *Monitor) Watch(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var streak int
	var firstMiss time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		started := m.now()
		v, err := m.check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if v == alive {
			streak = 0
			continue
		}
		if streak == 0 {
			firstMiss = started
		}
		streak++
		logrus.Debugf("probe: miss %d/%d", streak, m.cfg.MissThreshold)
		if streak >= m.cfg.MissThreshold {
			return &FailureError{FirstMiss: firstMiss, Misses: streak}
		}
	}
}

// check runs one probe, retrying transport failures with exponential
// backoff. Alive and down are both successful outcomes of the operation.
func (m *Monitor) check(ctx context.Context) (verdict, error) {
	attempts := 0
	op := func() (verdict, error) {
		attempts++
		pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
		err := m.prober.Probe(pctx)
		switch {
		case err == nil:
			return alive, nil
		case errors.Is(err, ErrTargetDown):
			return down, nil
		case ctx.Err() != nil:
			return alive, backoff.Permanent(ctx.Err())
		default:
			return alive, err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.Retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logrus.Warnf("probe: transport error, retrying in %v: %v", next, err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return alive, ctx.Err()
		}
		return alive, &UnavailableError{Attempts: attempts, Err: err}
	}
	return v, nil
}
