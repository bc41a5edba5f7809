package chaos

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	all := []ActionKind{ActionCrash, ActionDelay, ActionErrorReturn, ActionPanic}
	bounds := ParamBounds{MinDelay: 0, MaxDelay: time.Second}
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, reg.Register(id, all, bounds))
	}
	return reg
}

func singlePlan(gen Generation, id string, kind ActionKind, p float64) RunPlan {
	return RunPlan{
		Generation: gen,
		Budget:     time.Second,
		Entries:    map[string]Activation{id: {Action: kind, Probability: p}},
	}
}

func TestEngine_InitiallyInert(t *testing.T) {
	e := NewEngine(newTestRegistry(t), 1)
	assert.False(t, e.Active())
	assert.Equal(t, Generation(0), e.Generation())
	for i := 0; i < 100; i++ {
		assert.False(t, e.Checkpoint("A").Fired())
	}
}

func TestEngine_UnknownPointIsInert(t *testing.T) {
	// GIVEN a plan that activates A with certainty
	e := NewEngine(newTestRegistry(t), 1)
	require.NoError(t, e.Install(singlePlan(1, "A", ActionCrash, 1)))

	// WHEN an id outside the plan (and outside the registry) is checked
	// THEN nothing fires and nothing panics
	assert.Equal(t, Action{}, e.Checkpoint("not-registered"))
	assert.Equal(t, Action{}, e.Checkpoint("B"))
	assert.NoError(t, e.Inject("not-registered"))
}

func TestEngine_TriggerCount_ConsistentWithBinomial(t *testing.T) {
	// GIVEN a fixed seed and probability p
	const n = 20000
	for _, p := range []float64{0.05, 0.3, 0.5, 0.9} {
		e := NewEngine(newTestRegistry(t), 42)
		require.NoError(t, e.Install(singlePlan(1, "A", ActionErrorReturn, p)))

		// WHEN N independent checkpoint calls are made
		fired := 0
		for i := 0; i < n; i++ {
			if e.Checkpoint("A").Fired() {
				fired++
			}
		}

		// THEN the 2-cell chi-square statistic against Binomial(N, p) passes at 99.9%
		expFire := float64(n) * p
		expMiss := float64(n) * (1 - p)
		dFire := float64(fired) - expFire
		dMiss := float64(n-fired) - expMiss
		chi2 := dFire*dFire/expFire + dMiss*dMiss/expMiss
		critical := distuv.ChiSquared{K: 1}.Quantile(0.999)
		assert.Less(t, chi2, critical, "p=%v fired=%d/%d", p, fired, n)

		counts, err := e.Counts(1)
		require.NoError(t, err)
		assert.Equal(t, uint64(n), counts["A"].Hits)
		assert.Equal(t, uint64(fired), counts["A"].Triggers)
	}
}

func TestEngine_SameSeedSameTriggerSequence(t *testing.T) {
	sequence := func(seed int64) []bool {
		e := NewEngine(newTestRegistry(t), seed)
		require.NoError(t, e.Install(singlePlan(7, "B", ActionCrash, 0.4)))
		out := make([]bool, 500)
		for i := range out {
			out[i] = e.Checkpoint("B").Fired()
		}
		return out
	}
	assert.Equal(t, sequence(99), sequence(99))
	assert.NotEqual(t, sequence(99), sequence(100))
}

func TestEngine_ProbabilityBoundaries(t *testing.T) {
	e := NewEngine(newTestRegistry(t), 3)
	require.NoError(t, e.Install(RunPlan{Generation: 1, Entries: map[string]Activation{
		"A": {Action: ActionCrash, Probability: 1},
		"B": {Action: ActionCrash, Probability: 0},
	}}))
	for i := 0; i < 1000; i++ {
		assert.True(t, e.Checkpoint("A").Fired())
		assert.False(t, e.Checkpoint("B").Fired())
	}
}

func TestEngine_Install_RejectsStaleGeneration(t *testing.T) {
	e := NewEngine(newTestRegistry(t), 1)
	require.NoError(t, e.Install(singlePlan(5, "A", ActionCrash, 0.5)))

	err := e.Install(singlePlan(5, "A", ActionCrash, 0.5))
	assert.True(t, errors.Is(err, ErrStaleGeneration), "got %v", err)
	assert.True(t, errors.Is(err, ErrInvariant))

	err = e.Install(singlePlan(3, "A", ActionCrash, 0.5))
	assert.True(t, errors.Is(err, ErrStaleGeneration), "got %v", err)

	// empty plans only deactivate and never need a new generation
	assert.NoError(t, e.Install(EmptyPlan(5)))
	assert.False(t, e.Active())
}

func TestEngine_Install_RejectsInvalidProbability(t *testing.T) {
	e := NewEngine(newTestRegistry(t), 1)
	assert.Error(t, e.Install(singlePlan(1, "A", ActionCrash, 1.5)))
	assert.Error(t, e.Install(singlePlan(1, "A", ActionCrash, -0.1)))
	assert.False(t, e.Active())
}

func TestEngine_Install_SkipsUnknownAndUnsupported(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("crash-only", []ActionKind{ActionCrash}, ParamBounds{})
	e := NewEngine(reg, 1)

	err := e.Install(RunPlan{Generation: 1, Entries: map[string]Activation{
		"crash-only": {Action: ActionPanic, Probability: 1}, // unsupported action
		"ghost":      {Action: ActionCrash, Probability: 1}, // unknown point
	}})
	require.NoError(t, err)
	assert.False(t, e.Active())
	assert.False(t, e.Checkpoint("crash-only").Fired())
	assert.False(t, e.Checkpoint("ghost").Fired())
}

func TestEngine_Counts_AllEntriesSkipped(t *testing.T) {
	// GIVEN a plan whose only entry names a point the target never declared
	e := NewEngine(newTestRegistry(t), 1)
	require.NoError(t, e.Install(singlePlan(1, "unregistered", ActionCrash, 1)))
	require.False(t, e.Active())

	// WHEN counts are fetched for that generation, before and after deactivation
	counts, err := e.Counts(1)
	require.NoError(t, err)
	e.Reset()
	afterReset, resetErr := e.Counts(1)

	// THEN the generation is recognized and simply has no counters
	assert.Empty(t, counts)
	require.NoError(t, resetErr)
	assert.Empty(t, afterReset)
	_, err = e.Counts(2)
	assert.True(t, errors.Is(err, ErrGenerationMismatch), "got %v", err)
}

func TestEngine_Reset_DeactivatesButKeepsCounts(t *testing.T) {
	e := NewEngine(newTestRegistry(t), 1)
	require.NoError(t, e.Install(singlePlan(2, "A", ActionCrash, 1)))
	for i := 0; i < 10; i++ {
		e.Checkpoint("A")
	}

	e.Reset()
	assert.False(t, e.Active())
	assert.Equal(t, Generation(2), e.Generation())
	assert.False(t, e.Checkpoint("A").Fired())

	counts, err := e.Counts(2)
	require.NoError(t, err)
	assert.Equal(t, PointCounts{Hits: 10, Triggers: 10}, counts["A"])

	_, err = e.Counts(1)
	assert.True(t, errors.Is(err, ErrGenerationMismatch), "got %v", err)
}

func TestEngine_Inject_ExecutesActions(t *testing.T) {
	var slept time.Duration
	var crashed atomic.Value
	e := NewEngine(newTestRegistry(t), 1,
		WithSleeper(func(d time.Duration) { slept = d }),
		WithCrashHandler(func(id string, gen Generation) { crashed.Store(id) }),
	)
	require.NoError(t, e.Install(RunPlan{Generation: 1, Entries: map[string]Activation{
		"A": {Action: ActionDelay, Probability: 1, Delay: 30 * time.Millisecond},
		"B": {Action: ActionErrorReturn, Probability: 1},
		"C": {Action: ActionCrash, Probability: 1},
	}}))

	assert.NoError(t, e.Inject("A"))
	assert.Equal(t, 30*time.Millisecond, slept)

	err := e.Inject("B")
	assert.True(t, errors.Is(err, ErrInjected), "got %v", err)
	var injected *InjectedError
	require.True(t, errors.As(err, &injected))
	assert.Equal(t, "B", injected.ID)
	assert.Equal(t, Generation(1), injected.Generation)

	assert.NoError(t, e.Inject("C"))
	assert.Equal(t, "C", crashed.Load())
}

func TestEngine_Inject_Panic(t *testing.T) {
	e := NewEngine(newTestRegistry(t), 1)
	require.NoError(t, e.Install(singlePlan(1, "A", ActionPanic, 1)))

	defer func() {
		r := recover()
		p, ok := r.(InjectedPanic)
		require.True(t, ok, "recovered %v", r)
		assert.Equal(t, "A", p.ID)
	}()
	_ = e.Inject("A")
	t.Fatal("Inject did not panic")
}

func TestEngine_Checkpoint_AllocationFree(t *testing.T) {
	e := NewEngine(newTestRegistry(t), 1)
	require.NoError(t, e.Install(RunPlan{Generation: 1, Entries: map[string]Activation{
		"A": {Action: ActionErrorReturn, Probability: 0.5},
		"B": {Action: ActionDelay, Probability: 0.5, Delay: time.Millisecond},
	}}))
	allocs := testing.AllocsPerRun(1000, func() {
		e.Checkpoint("A")
		e.Checkpoint("B")
		e.Checkpoint("missing")
	})
	assert.Equal(t, 0.0, allocs)
}

func TestEngine_PlanAtomicity_UnderConcurrentInstall(t *testing.T) {
	// GIVEN plans whose every entry encodes its own generation in the delay
	e := NewEngine(newTestRegistry(t), 1)
	planFor := func(gen Generation) RunPlan {
		d := time.Duration(gen) * time.Millisecond
		return RunPlan{Generation: gen, Entries: map[string]Activation{
			"A": {Action: ActionDelay, Probability: 1, Delay: d},
			"B": {Action: ActionDelay, Probability: 1, Delay: d},
		}}
	}
	require.NoError(t, e.Install(planFor(1)))

	// WHEN readers check A and B through one view while the writer installs
	const readers = 8
	var stop atomic.Bool
	var wg sync.WaitGroup
	var mixed atomic.Int64
	var observed atomic.Int64
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				v := e.View()
				a := v.Checkpoint("A")
				b := v.Checkpoint("B")
				if a.Generation != b.Generation || a.Delay != b.Delay ||
					a.Delay != time.Duration(a.Generation)*time.Millisecond {
					mixed.Add(1)
				}
				single := e.Checkpoint("A")
				if single.Delay != time.Duration(single.Generation)*time.Millisecond {
					mixed.Add(1)
				}
				observed.Add(1)
			}
		}()
	}
	for gen := Generation(2); gen <= 500; gen++ {
		require.NoError(t, e.Install(planFor(gen)))
	}
	stop.Store(true)
	wg.Wait()

	// THEN no decision ever mixes entries from two generations
	assert.Zero(t, mixed.Load())
	assert.Positive(t, observed.Load())
	assert.Equal(t, Generation(500), e.Generation())
}

func TestScenario_TeardownIdempotent(t *testing.T) {
	e := NewEngine(newTestRegistry(t), 1)
	sc := NewScenario(e)
	require.NoError(t, sc.Setup(singlePlan(1, "A", ActionCrash, 1)))
	assert.True(t, e.Active())

	sc.Teardown()
	sc.Teardown()
	assert.False(t, e.Active())
	assert.False(t, e.Checkpoint("A").Fired())
}
