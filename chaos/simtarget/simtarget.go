// Package simtarget is an in-process simulated service instrumented with
// fail points. Each declared point is exercised by worker goroutines at a
// fixed call interval; Crash and Panic actions take the whole service down
// until the next Start, ErrorReturn is handled and Delay stalls the caller.
//
// A Target satisfies both orchestrator.Target and orchestrator.Launcher, so
// campaigns can run without any external process.
package simtarget

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/probe"
)

// Stats counts what the simulated service observed.
type Stats struct {
	Calls    uint64
	Errors   uint64 // injected errors handled by the service
	Crashes  uint64 // crash and panic actions
	Restarts uint64
}

// Target is the simulated service.
type Target struct {
	reg    *chaos.Registry
	engine *chaos.Engine
	points []chaos.PointSpec
	rng    *rand.Rand

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	alive    atomic.Bool
	calls    atomic.Uint64
	errs     atomic.Uint64
	crashes  atomic.Uint64
	restarts atomic.Uint64
}

// New builds a simulated target from spec: its registry, its engine seeded
// from the activation subsystem and its workload from the target subsystem.
func New(spec chaos.TargetSpec, rng *chaos.PartitionedRNG) (*Target, error) {
	if len(spec.Points) == 0 {
		return nil, errors.New("simtarget: no points declared")
	}
	for _, p := range spec.Points {
		if p.Interval <= 0 {
			return nil, fmt.Errorf("simtarget: point %q needs a positive call interval", p.ID)
		}
	}
	reg := chaos.NewRegistry()
	if err := spec.Register(reg); err != nil {
		return nil, fmt.Errorf("simtarget: %w", err)
	}
	t := &Target{
		reg:    reg,
		points: spec.Points,
		rng:    rng.ForSubsystem(chaos.SubsystemTarget),
	}
	t.engine = chaos.NewEngine(reg, rng.SeedFor(chaos.SubsystemActivation), chaos.WithCrashHandler(t.crash))
	return t, nil
}

// Registry returns the fail point declarations of the service.
func (t *Target) Registry() *chaos.Registry { return t.reg }

// Engine returns the service's activation engine.
func (t *Target) Engine() *chaos.Engine { return t.engine }

// Alive reports whether the service is up.
func (t *Target) Alive() bool { return t.alive.Load() }

// Stats returns a snapshot of the service counters.
func (t *Target) Stats() Stats {
	return Stats{
		Calls:    t.calls.Load(),
		Errors:   t.errs.Load(),
		Crashes:  t.crashes.Load(),
		Restarts: t.restarts.Load(),
	}
}

// Start boots the service (restarting it after a crash). No-op when it is
// already up.
func (t *Target) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running && t.alive.Load() {
		return nil
	}
	if t.running {
		t.stopLocked()
		t.restarts.Add(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.running = true
	t.alive.Store(true)
	for _, p := range t.points {
		workers := max(p.Workers, 1)
		for w := 0; w < workers; w++ {
			// desynchronize workers of the same point
			offset := time.Duration(t.rng.Int63n(int64(p.Interval)))
			t.wg.Add(1)
			go t.work(ctx, p.ID, p.Interval, offset)
		}
	}
	logrus.Debugf("simtarget: started %d points", len(t.points))
	return nil
}

// Stop shuts the service down and waits for its workers.
func (t *Target) Stop(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	return nil
}

func (t *Target) stopLocked() {
	if !t.running {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.running = false
	t.alive.Store(false)
}

// Install implements orchestrator.Target.
func (t *Target) Install(_ context.Context, plan chaos.RunPlan) error {
	return t.engine.Install(plan)
}

// Deactivate implements orchestrator.Target.
func (t *Target) Deactivate(context.Context) error {
	t.engine.Reset()
	return nil
}

// Counts implements orchestrator.Target.
func (t *Target) Counts(_ context.Context, gen chaos.Generation) (map[string]chaos.PointCounts, error) {
	return t.engine.Counts(gen)
}

// Generation implements orchestrator.Target.
func (t *Target) Generation(context.Context) (chaos.Generation, error) {
	return t.engine.Generation(), nil
}

// Probe implements probe.Prober.
func (t *Target) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.alive.Load() {
		return probe.ErrTargetDown
	}
	return nil
}

func (t *Target) work(ctx context.Context, id string, interval, offset time.Duration) {
	defer t.wg.Done()
	select {
	case <-ctx.Done():
		return
	case <-time.After(offset):
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !t.alive.Load() {
			return
		}
		t.call(id)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// call is one request through the instrumented code path.
func (t *Target) call(id string) {
	defer func() {
		if r := recover(); r != nil {
			if p, ok := r.(chaos.InjectedPanic); ok {
				t.crash(p.ID, p.Generation)
				return
			}
			panic(r)
		}
	}()
	t.calls.Add(1)
	if err := t.engine.Inject(id); err != nil {
		if errors.Is(err, chaos.ErrInjected) {
			t.errs.Add(1)
			return
		}
		logrus.Warnf("simtarget: %s: %v", id, err)
	}
}

// crash takes the service down. Runs on the worker that hit the point.
func (t *Target) crash(id string, gen chaos.Generation) {
	if t.alive.CompareAndSwap(true, false) {
		t.crashes.Add(1)
		logrus.Debugf("simtarget: crashed at %q (generation %d)", id, gen)
	}
}
