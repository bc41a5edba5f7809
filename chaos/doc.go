// Package chaos provides the core types of the kaos fail-point harness.
//
// # Reading Guide
//
// Start with these files to understand the harness kernel:
//   - registry.go: fail point declarations (id, supported actions, parameter bounds)
//   - engine.go: the Activation Engine, invoked inline by the target service
//   - plan.go: RunPlan generations handed from the control path to the engine
//   - record.go / ledger.go: the append-only RunRecord history
//
// # Architecture
//
// The chaos package defines shared types; the control path lives in sub-packages:
//   - chaos/estimator/: online MTBF model per (fail point, action)
//   - chaos/explore/: UCB-style exploration bonus per fail point
//   - chaos/planner/: combines both into the next RunPlan
//   - chaos/orchestrator/: run state machine, health probing, campaign loop
//   - chaos/probe/: health probe contract and monitor
//   - chaos/report/: JSONL journal and campaign summaries
//   - chaos/metrics/: Prometheus collectors
//   - chaos/agent/: HTTP control surface embedded in a target service
//   - chaos/simtarget/: an in-process simulated target service
//
// # Hot Path
//
// Engine.Checkpoint is called from arbitrary goroutines of the target service.
// It performs one atomic pointer load and one map lookup against an immutable
// plan snapshot and never blocks on the control path. Plans are replaced
// wholesale by Engine.Install; a reader observes either the old or the new
// generation, never a mix.
package chaos
