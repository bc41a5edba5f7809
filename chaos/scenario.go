package chaos

import "sync"

// Scenario scopes a plan to a block of code: Setup installs the plan,
// Teardown deactivates every fail point. Teardown is idempotent, so it is
// safe to defer it and also call it explicitly.
//
//	sc := chaos.NewScenario(engine)
//	if err := sc.Setup(plan); err != nil { ... }
//	defer sc.Teardown()
type Scenario struct {
	engine *Engine
	once   sync.Once
}

// NewScenario creates a Scenario bound to engine.
func NewScenario(engine *Engine) *Scenario {
	return &Scenario{engine: engine}
}

// Setup installs plan on the engine.
func (s *Scenario) Setup(plan RunPlan) error {
	return s.engine.Install(plan)
}

// Teardown resets the engine exactly once.
func (s *Scenario) Teardown() {
	s.once.Do(s.engine.Reset)
}
