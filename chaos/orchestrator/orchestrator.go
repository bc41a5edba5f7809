// Package orchestrator drives the run lifecycle: it installs a plan on the
// target, supervises the run budget and the health probe, decides the
// outcome and guarantees deactivation of every fail point afterwards.
//
// State machine:
//
//	Idle → PlanInstalled → Running → {Completed | Failed | Cancelled | ProbeUnavailable} → Idle
//
// Campaign layers the adaptive loop on top: plan, record, execute, commit,
// update the model.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/probe"
)

// State is a run lifecycle state.
type State int32

const (
	StateIdle State = iota
	StatePlanInstalled
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
	StateProbeUnavailable
)

var stateNames = [...]string{"idle", "plan_installed", "running", "completed", "failed", "cancelled", "probe_unavailable"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// ErrBusy is returned by Execute when a run is already in flight.
var ErrBusy = errors.New("orchestrator: a run is already in progress")

// errBudgetElapsed ends the errgroup when the run survives its budget.
var errBudgetElapsed = errors.New("run budget elapsed")

// Config holds per-run supervision parameters.
type Config struct {
	CampaignID      string
	Probe           chaos.ProbeConfig
	MinAvailability time.Duration // 0 disables the availability floor
	CleanupTimeout  time.Duration // bound on deactivate/counts/stop calls; default 5s
	ReadyTimeout    time.Duration // how long a started target may take to answer alive; default 10s
}

// Orchestrator is the Run Orchestrator. Execute is called from one goroutine
// at a time; Cancel and State may be called from anywhere.
type Orchestrator struct {
	target   Target
	launcher Launcher
	cfg      Config
	now      func() time.Time

	state atomic.Int32

	mu        sync.Mutex
	cancelRun context.CancelFunc
}

// New creates an Orchestrator. launcher may be nil for externally managed
// targets.
func New(target Target, launcher Launcher, cfg Config) *Orchestrator {
	if launcher == nil {
		launcher = NopLauncher{}
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	return &Orchestrator{target: target, launcher: launcher, cfg: cfg, now: time.Now}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) transition(to State) {
	from := State(o.state.Swap(int32(to)))
	logrus.Debugf("orchestrator: %s → %s", from, to)
}

// Cancel aborts the in-flight run, if any; the run then deactivates the
// target and returns a Cancelled record. With no run in flight the target
// is deactivated synchronously. Safe to call concurrently and repeatedly.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelRun != nil {
		o.cancelRun()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
	defer cancel()
	if err := o.target.Deactivate(ctx); err != nil {
		logrus.Warnf("orchestrator: deactivating idle target: %v", err)
	}
}

// Execute performs one run under plan. Every failure of the target, the
// probe or the control channel is folded into the returned record; only
// invariant violations (chaos.ErrInvariant) are returned as errors.
func (o *Orchestrator) Execute(ctx context.Context, runID uint64, plan chaos.RunPlan) (chaos.RunRecord, error) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.cancelRun != nil {
		o.mu.Unlock()
		cancel()
		return chaos.RunRecord{}, ErrBusy
	}
	o.cancelRun = cancel
	o.mu.Unlock()

	rec := chaos.RunRecord{
		RunID:      runID,
		CampaignID: o.cfg.CampaignID,
		Plan:       plan.Clone(),
		StartedAt:  o.now(),
	}

	defer func() {
		o.mu.Lock()
		o.cancelRun = nil
		o.mu.Unlock()
		cancel()
		o.transition(StateIdle)
	}()

	// cleanup guard: every exit path, panics included, deactivates once
	var once sync.Once
	deactivate := func() {
		once.Do(func() {
			dctx, dcancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
			defer dcancel()
			if err := o.target.Deactivate(dctx); err != nil {
				logrus.Warnf("orchestrator: run %d: deactivating target: %v", runID, err)
			}
		})
	}
	defer deactivate()

	// a Cancel that landed before this run registered cancelRun
	if err := runCtx.Err(); err != nil {
		return o.abort(rec, fmt.Errorf("cancelled before start: %w", err)), nil
	}
	if err := o.launcher.Start(runCtx); err != nil {
		return o.abort(rec, fmt.Errorf("starting target: %w", err)), nil
	}
	defer func() {
		deactivate()
		o.stopTarget(runID)
	}()

	// the target must answer alive before the plan is in force
	if err := probe.WaitReady(runCtx, o.target, o.cfg.Probe, o.cfg.ReadyTimeout); err != nil {
		var unavailable *probe.UnavailableError
		if errors.As(err, &unavailable) {
			return o.abortAs(rec, chaos.OutcomeProbeUnavailable, StateProbeUnavailable, err), nil
		}
		return o.abort(rec, fmt.Errorf("target not ready: %w", err)), nil
	}

	if err := o.target.Install(runCtx, plan); err != nil {
		if errors.Is(err, chaos.ErrInvariant) {
			return rec, fmt.Errorf("run %d: installing plan: %w", runID, err)
		}
		return o.abort(rec, fmt.Errorf("installing plan: %w", err)), nil
	}
	o.transition(StatePlanInstalled)

	start := o.now()
	o.transition(StateRunning)
	terminal, err := o.supervise(runCtx, plan.Budget, start, &rec)
	end := o.now()
	rec.Duration = end.Sub(start)
	if err != nil {
		rec.Error = err.Error()
	}

	deactivate()
	if !plan.IsEmpty() {
		cctx, ccancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
		counts, cerr := o.target.Counts(cctx, plan.Generation)
		ccancel()
		switch {
		case errors.Is(cerr, chaos.ErrInvariant):
			return rec, fmt.Errorf("run %d: fetching trigger counts: %w", runID, cerr)
		case cerr != nil:
			logrus.Warnf("orchestrator: run %d: trigger counts unavailable: %v", runID, cerr)
			rec.Error = joinError(rec.Error, "trigger counts: "+cerr.Error())
		default:
			rec.Triggers = counts
		}
	}

	rec.EndedAt = o.now()
	if rec.Outcome == chaos.OutcomeFailed && o.cfg.MinAvailability > 0 && rec.TimeToFail < o.cfg.MinAvailability {
		rec.AvailabilityViolated = true
	}
	o.transition(terminal)
	logrus.Debugf("orchestrator: %v", rec)
	return rec, nil
}

// supervise runs the budget timer and the probe monitor under one errgroup;
// whichever finishes first decides the outcome.
func (o *Orchestrator) supervise(ctx context.Context, budget time.Duration, start time.Time, rec *chaos.RunRecord) (State, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		select {
		case <-timer.C:
			return errBudgetElapsed
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return probe.NewMonitor(o.target, o.cfg.Probe).Watch(gctx)
	})
	err := g.Wait()

	var failure *probe.FailureError
	var unavailable *probe.UnavailableError
	switch {
	case errors.Is(err, errBudgetElapsed):
		rec.Outcome = chaos.OutcomeSurvived
		return StateCompleted, nil
	case errors.As(err, &failure):
		rec.Outcome = chaos.OutcomeFailed
		rec.TimeToFail = max(failure.FirstMiss.Sub(start), 0)
		return StateFailed, nil
	case errors.As(err, &unavailable):
		rec.Outcome = chaos.OutcomeProbeUnavailable
		return StateProbeUnavailable, err
	default:
		rec.Outcome = chaos.OutcomeCancelled
		if cause := context.Cause(ctx); cause != nil {
			return StateCancelled, cause
		}
		return StateCancelled, err
	}
}

func (o *Orchestrator) abort(rec chaos.RunRecord, err error) chaos.RunRecord {
	return o.abortAs(rec, chaos.OutcomeCancelled, StateCancelled, err)
}

// abortAs ends a run that never reached Running. The plan was not in force,
// so the record carries no duration and no trigger counts.
func (o *Orchestrator) abortAs(rec chaos.RunRecord, outcome chaos.Outcome, state State, err error) chaos.RunRecord {
	logrus.Warnf("orchestrator: run %d aborted: %v", rec.RunID, err)
	rec.Outcome = outcome
	rec.Error = err.Error()
	rec.EndedAt = o.now()
	o.transition(state)
	return rec
}

func (o *Orchestrator) stopTarget(runID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
	defer cancel()
	if err := o.launcher.Stop(ctx); err != nil {
		logrus.Warnf("orchestrator: run %d: stopping target: %v", runID, err)
	}
}

func joinError(a, b string) string {
	if a == "" {
		return b
	}
	return strings.Join([]string{a, b}, "; ")
}
