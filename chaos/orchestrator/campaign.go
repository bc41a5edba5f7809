package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/estimator"
	"github.com/kaos-harness/kaos/chaos/explore"
	"github.com/kaos-harness/kaos/chaos/metrics"
	"github.com/kaos-harness/kaos/chaos/planner"
	"github.com/kaos-harness/kaos/chaos/report"
)

// Result is the outcome of a whole campaign.
type Result struct {
	CampaignID string
	Records    []chaos.RunRecord
	Summary    *report.Summary
	Cancelled  bool
	// Exploration holds the policy counters of every point selected in an
	// informative run.
	Exploration map[string]explore.Counters
}

// Violated reports whether any run fell below the availability floor.
func (r *Result) Violated() bool {
	return r.Summary != nil && r.Summary.AvailabilityViolations > 0
}

// CampaignOption customizes a Campaign.
type CampaignOption func(*campaignOptions)

type campaignOptions struct {
	sink      chaos.RecordSink
	launcher  Launcher
	estimator estimator.Config
	explore   explore.Config
	onRun     func(chaos.RunRecord, []planner.Candidate)
}

// WithSink persists every committed record (e.g. a report.Journal).
func WithSink(sink chaos.RecordSink) CampaignOption {
	return func(o *campaignOptions) { o.sink = sink }
}

// WithLauncher starts and stops the target around each run.
func WithLauncher(l Launcher) CampaignOption {
	return func(o *campaignOptions) { o.launcher = l }
}

// WithEstimatorConfig overrides the MTBF estimator configuration.
func WithEstimatorConfig(cfg estimator.Config) CampaignOption {
	return func(o *campaignOptions) { o.estimator = cfg }
}

// WithExploreConfig overrides the exploration policy configuration.
func WithExploreConfig(cfg explore.Config) CampaignOption {
	return func(o *campaignOptions) { o.explore = cfg }
}

// WithRunHook is called after each committed run with the planner's
// candidate ranking for that run.
func WithRunHook(fn func(chaos.RunRecord, []planner.Candidate)) CampaignOption {
	return func(o *campaignOptions) { o.onRun = fn }
}

// Campaign runs the adaptive loop: plan, record the plan, execute, commit
// the record, then update the estimator and the exploration policy.
type Campaign struct {
	id     string
	cfg    chaos.CampaignConfig
	reg    *chaos.Registry
	orch   *Orchestrator
	gen    *planner.Generator
	est    *estimator.Estimator
	policy *explore.Policy
	ledger *chaos.Ledger
	onRun  func(chaos.RunRecord, []planner.Candidate)

	cancelled atomic.Bool

	mu   sync.Mutex
	stop context.CancelFunc // cancels the context of the current Run
}

// NewCampaign wires a campaign over target. reg must describe the fail
// points the target registered.
func NewCampaign(cfg chaos.CampaignConfig, reg *chaos.Registry, target Target, opts ...CampaignOption) (*Campaign, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg.Len() == 0 {
		return nil, errors.New("campaign: registry declares no fail points")
	}
	o := campaignOptions{
		estimator: estimator.DefaultConfig(),
		explore:   explore.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	rng := chaos.NewPartitionedRNG(chaos.NewCampaignKey(cfg.Seed))
	gen, err := planner.New(planner.ConfigFromCampaign(cfg), rng.ForSubsystem(chaos.SubsystemPlanner))
	if err != nil {
		return nil, err
	}
	est := estimator.New(o.estimator)
	id := uuid.NewString()
	return &Campaign{
		id:  id,
		cfg: cfg,
		reg: reg,
		orch: New(target, o.launcher, Config{
			CampaignID:      id,
			Probe:           cfg.Probe,
			MinAvailability: cfg.MinAvailability,
		}),
		gen:    gen,
		est:    est,
		policy: explore.New(o.explore, est),
		ledger: chaos.NewLedger(o.sink),
		onRun:  o.onRun,
	}, nil
}

// ID returns the campaign's uuid.
func (c *Campaign) ID() string { return c.id }

// Estimator returns the campaign's MTBF estimator.
func (c *Campaign) Estimator() *estimator.Estimator { return c.est }

// Policy returns the campaign's exploration policy.
func (c *Campaign) Policy() *explore.Policy { return c.policy }

// Orchestrator returns the run orchestrator.
func (c *Campaign) Orchestrator() *Orchestrator { return c.orch }

// Cancel stops the campaign: the in-flight run ends Cancelled after
// deactivating the target and no further run starts.
func (c *Campaign) Cancel() {
	c.cancelled.Store(true)
	c.mu.Lock()
	if c.stop != nil {
		c.stop()
	}
	c.mu.Unlock()
	c.orch.Cancel()
}

// Run executes up to cfg.Runs runs. The returned error is non-nil only for
// invariant violations or planning failures; the partial result is still
// returned in that case.
func (c *Campaign) Run(ctx context.Context) (*Result, error) {
	logrus.Infof("campaign %s: %d runs over %d fail points (k=%d, risk=%.2f, budget=%v)",
		c.id, c.cfg.Runs, c.reg.Len(), c.cfg.MaxConcurrentPoints, c.cfg.TargetRisk, c.cfg.RunBudget)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stop = nil
		c.mu.Unlock()
		cancel()
	}()
	if c.cancelled.Load() {
		cancel()
	}

	err := c.syncGeneration(ctx)
	if err == nil {
		err = c.loop(ctx)
	}
	records := c.ledger.Records()
	res := &Result{
		CampaignID:  c.id,
		Records:     records,
		Summary:     report.Summarize(records),
		Cancelled:   c.cancelled.Load() || ctx.Err() != nil,
		Exploration: make(map[string]explore.Counters),
	}
	for _, fp := range c.reg.Points() {
		cnt := c.policy.Counters(fp.ID)
		if cnt.Selected == 0 {
			continue
		}
		res.Exploration[fp.ID] = cnt
		logrus.Infof("campaign %s: point %s selected in %d runs, %d triggers (%.1f per run)",
			c.id, fp.ID, cnt.Selected, cnt.Triggered, float64(cnt.Triggered)/float64(cnt.Selected))
	}
	return res, err
}

// syncGeneration numbers this campaign's plans after the newest generation
// the target has seen, so a long-lived agent accepts them.
func (c *Campaign) syncGeneration(ctx context.Context) error {
	gctx, cancel := context.WithTimeout(ctx, c.orch.cfg.CleanupTimeout)
	defer cancel()
	base, err := c.orch.target.Generation(gctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reading target generation: %w", err)
	}
	if base > 0 {
		logrus.Infof("campaign %s: target is at generation %d; continuing from there", c.id, base)
	}
	c.gen.Rebase(base)
	return nil
}

func (c *Campaign) loop(ctx context.Context) error {
	for i := 1; i <= c.cfg.Runs; i++ {
		if c.cancelled.Load() || ctx.Err() != nil {
			logrus.Infof("campaign %s: cancelled after %d runs", c.id, i-1)
			return nil
		}
		plan, candidates, err := c.gen.NextPlan(c.reg, c.est, c.policy)
		if err != nil {
			return fmt.Errorf("planning run %d: %w", i, err)
		}
		if err := c.ledger.RecordPlan(plan); err != nil {
			return err
		}
		rec, err := c.orch.Execute(ctx, uint64(i), plan)
		if err != nil {
			return err
		}
		if err := c.ledger.Commit(rec); err != nil {
			return err
		}
		c.est.Apply(rec)
		c.policy.Apply(rec)
		metrics.ObserveRun(rec)
		for _, id := range plan.ActivePoints() {
			e := c.est.Estimate(id)
			metrics.SetMTBF(id, e.Mean, e.Samples)
		}
		logrus.Infof("run %d/%d gen=%d points=%v outcome=%s duration=%v",
			i, c.cfg.Runs, plan.Generation, plan.ActivePoints(), rec.Outcome, rec.Duration)
		if c.onRun != nil {
			c.onRun(rec, candidates)
		}
	}
	return nil
}
