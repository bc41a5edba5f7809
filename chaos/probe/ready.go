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

// WaitReady probes until the target answers alive. Misses are retried with
// exponential backoff until timeout elapses and the last miss is returned
// (wrapping ErrTargetDown). More than cfg.Retries consecutive transport
// errors end the wait with an *UnavailableError.
func WaitReady(ctx context.Context, p Prober, cfg chaos.ProbeConfig, timeout time.Duration) error {
	transportErrs := 0
	op := func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		err := p.Probe(pctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case errors.Is(err, ErrTargetDown):
			transportErrs = 0
			return struct{}{}, err
		}
		transportErrs++
		if transportErrs > cfg.Retries {
			return struct{}{}, backoff.Permanent(&UnavailableError{Attempts: transportErrs, Err: err})
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = max(cfg.MaxBackoff, cfg.Interval)

	start := time.Now()
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logrus.Debugf("probe: target not ready, retrying in %v: %v", next, err)
		}),
	)
	if err == nil {
		logrus.Debugf("probe: target ready after %v", time.Since(start).Round(time.Millisecond))
		return nil
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("not alive within %v: %w", timeout, err)
}
