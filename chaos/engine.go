package chaos

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// CrashExitCode is the exit status used by the default crash handler.
const CrashExitCode = 86

var (
	// ErrInvariant marks internal invariant violations. These are the only
	// errors that abort a whole campaign.
	ErrInvariant = errors.New("invariant violation")
	// ErrStaleGeneration is returned when a plan does not advance the generation.
	ErrStaleGeneration = fmt.Errorf("%w: stale plan generation", ErrInvariant)
	// ErrGenerationMismatch is returned when counts are requested for a
	// generation the engine is not (or was not last) running.
	ErrGenerationMismatch = fmt.Errorf("%w: plan generation mismatch", ErrInvariant)
	// ErrInjected is matched (errors.Is) by every error returned from an
	// ErrorReturn action.
	ErrInjected = errors.New("injected fault")
)

// InjectedError is the error handed to callers by an ErrorReturn action.
type InjectedError struct {
	ID         string
	Generation Generation
}

func (e *InjectedError) Error() string {
	return fmt.Sprintf("kaos: injected error at %q (generation %d)", e.ID, e.Generation)
}

func (e *InjectedError) Is(target error) bool {
	return target == ErrInjected
}

// InjectedPanic is the value passed to panic by a Panic action.
type InjectedPanic struct {
	ID         string
	Generation Generation
}

func (p InjectedPanic) String() string {
	return fmt.Sprintf("kaos: flunking at %q (generation %d)", p.ID, p.Generation)
}

// PointCounts holds per-point checkpoint statistics for one generation.
type PointCounts struct {
	Hits     uint64 `json:"hits"`
	Triggers uint64 `json:"triggers"`
}

// slot is the compiled, immutable activation of one point plus its counters.
type slot struct {
	action      Action
	probability float64
	stream      uint64
	hits        atomic.Uint64
	triggers    atomic.Uint64
}

// fires draws the n-th value of the slot's SplitMix64 stream and compares
// it against the trigger probability.
func (s *slot) fires(n uint64) bool {
	if s.probability <= 0 {
		return false
	}
	u := mix64(s.stream+n*goldenGamma) >> 11
	return float64(u)*0x1p-53 < s.probability
}

// snapshot is one installed generation. Never mutated after Store.
type snapshot struct {
	gen    Generation
	budget time.Duration
	slots  map[string]*slot
	active bool
}

// PlanView is a read-only handle on one installed generation. All decisions
// taken through the same view belong to the same generation.
type PlanView struct {
	s *snapshot
}

// Generation returns the generation this view was taken from.
func (v PlanView) Generation() Generation {
	if v.s == nil {
		return 0
	}
	return v.s.gen
}

// Checkpoint decides the action for id under this view's generation.
// Unknown ids are inert. Allocation-free.
func (v PlanView) Checkpoint(id string) Action {
	if v.s == nil {
		return Action{}
	}
	sl, ok := v.s.slots[id]
	if !ok {
		return Action{}
	}
	n := sl.hits.Add(1)
	if !sl.fires(n) {
		return Action{}
	}
	sl.triggers.Add(1)
	return sl.action
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCrashHandler replaces the default crash handler (process exit).
// The handler runs on the goroutine that hit the fail point.
func WithCrashHandler(fn func(id string, gen Generation)) EngineOption {
	return func(e *Engine) { e.onCrash = fn }
}

// WithSleeper replaces time.Sleep for Delay actions.
func WithSleeper(fn func(time.Duration)) EngineOption {
	return func(e *Engine) { e.sleep = fn }
}

// Engine is the Activation Engine embedded in the target service.
//
// Thread-safety: Checkpoint, Inject, View, Generation and Counts are safe for
// any number of concurrent callers and never block. Install and Reset are
// serialized among themselves; the orchestrator is the single writer.
type Engine struct {
	reg  *Registry
	seed uint64

	current    atomic.Pointer[snapshot]
	lastActive atomic.Pointer[snapshot]
	installMu  sync.Mutex

	onCrash func(id string, gen Generation)
	sleep   func(time.Duration)
}

// NewEngine creates an Engine with every fail point inert. The seed fixes
// the trigger sequence of each (generation, point) pair.
func NewEngine(reg *Registry, seed int64, opts ...EngineOption) *Engine {
	if reg == nil {
		panic("NewEngine: registry must not be nil")
	}
	e := &Engine{
		reg:     reg,
		seed:    uint64(seed),
		onCrash: exitOnCrash,
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.current.Store(&snapshot{slots: map[string]*slot{}})
	return e
}

func exitOnCrash(id string, gen Generation) {
	logrus.Errorf("kaos: crashing at fail point %q (generation %d)", id, gen)
	os.Exit(CrashExitCode)
}

// Registry returns the registry the engine validates plans against.
func (e *Engine) Registry() *Registry {
	return e.reg
}

// View returns the currently installed generation.
func (e *Engine) View() PlanView {
	return PlanView{s: e.current.Load()}
}

// Checkpoint decides the action for id under the current generation.
func (e *Engine) Checkpoint(id string) Action {
	return PlanView{s: e.current.Load()}.Checkpoint(id)
}

// Inject decides and executes the action for id: Delay sleeps, ErrorReturn
// returns an error matching ErrInjected, Panic panics with InjectedPanic and
// Crash invokes the crash handler. Returns nil when nothing fires.
func (e *Engine) Inject(id string) error {
	a := e.Checkpoint(id)
	switch a.Kind {
	case ActionDelay:
		e.sleep(a.Delay)
	case ActionErrorReturn:
		return a.Err
	case ActionPanic:
		panic(InjectedPanic{ID: id, Generation: a.Generation})
	case ActionCrash:
		e.onCrash(id, a.Generation)
	}
	return nil
}

// Generation returns the generation of the installed snapshot.
func (e *Engine) Generation() Generation {
	return e.current.Load().gen
}

// Active reports whether any fail point can currently fire.
func (e *Engine) Active() bool {
	return e.current.Load().active
}

// Install compiles plan and atomically replaces the current generation.
// Entries for unknown points or unsupported actions are skipped with a
// warning. A non-empty plan must advance the generation.
func (e *Engine) Install(plan RunPlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	e.installMu.Lock()
	defer e.installMu.Unlock()

	empty := plan.IsEmpty()
	if !empty {
		if last := e.lastActive.Load(); last != nil && plan.Generation <= last.gen {
			return fmt.Errorf("%w: got %d, last installed %d", ErrStaleGeneration, plan.Generation, last.gen)
		}
	}

	snap := e.compile(plan)
	e.current.Store(snap)
	if snap.active {
		e.lastActive.Store(snap)
	}
	logrus.Debugf("kaos: installed %v", plan)
	return nil
}

// Reset deactivates every fail point by installing an empty snapshot that
// keeps the current generation number.
func (e *Engine) Reset() {
	e.installMu.Lock()
	defer e.installMu.Unlock()
	gen := e.current.Load().gen
	e.current.Store(&snapshot{gen: gen, slots: map[string]*slot{}})
}

// Counts returns per-point hit/trigger counts for gen, which must be the
// installed generation or the last active one. A current generation whose
// entries were all skipped at install time has no counters and yields an
// empty map.
func (e *Engine) Counts(gen Generation) (map[string]PointCounts, error) {
	snap := e.current.Load()
	if !snap.active || snap.gen != gen {
		if last := e.lastActive.Load(); last != nil && last.gen == gen {
			snap = last
		}
	}
	if snap.gen != gen {
		return nil, fmt.Errorf("%w: requested %d, engine at %d", ErrGenerationMismatch, gen, e.Generation())
	}
	out := make(map[string]PointCounts, len(snap.slots))
	for id, sl := range snap.slots {
		out[id] = PointCounts{Hits: sl.hits.Load(), Triggers: sl.triggers.Load()}
	}
	return out, nil
}

func (e *Engine) compile(plan RunPlan) *snapshot {
	snap := &snapshot{
		gen:    plan.Generation,
		budget: plan.Budget,
		slots:  make(map[string]*slot, len(plan.Entries)),
	}
	genKey := mix64(uint64(plan.Generation) * goldenGamma)
	for id, act := range plan.Entries {
		fp, err := e.reg.Lookup(id)
		if err != nil {
			logrus.Warnf("kaos: skipping plan entry: %v", err)
			continue
		}
		if !fp.Supports(act.Action) {
			logrus.Warnf("kaos: skipping plan entry %q: action %v not supported", id, act.Action)
			continue
		}
		action := Action{Kind: act.Action, Generation: plan.Generation}
		switch act.Action {
		case ActionDelay:
			action.Delay = act.Delay
		case ActionErrorReturn:
			action.Err = &InjectedError{ID: id, Generation: plan.Generation}
		}
		snap.slots[id] = &slot{
			action:      action,
			probability: act.Probability,
			stream:      e.seed ^ genKey ^ uint64(fnv1a64(id)),
		}
		if act.Probability > 0 {
			snap.active = true
		}
	}
	return snap
}
