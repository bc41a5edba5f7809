// Package agent exposes a target's fail point engine over HTTP so the
// orchestrator can drive a service running in another process.
//
// Endpoints:
//
//	GET    /healthz                      - liveness probe
//	GET    /v1/points                    - fail point declarations
//	GET    /v1/plan                      - current plan generation
//	PUT    /v1/plan                      - install a RunPlan
//	DELETE /v1/plan                      - deactivate every fail point
//	GET    /v1/plan/counts?generation=N  - hit/trigger counts of generation N
//
// Server runs inside the target; Client is the orchestrator side and
// implements orchestrator.Target.
package agent

import (
	"time"

	"github.com/kaos-harness/kaos/chaos"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeBadRequest         = "bad_request"
	CodeInvalidPlan        = "invalid_plan"
	CodeStaleGeneration    = "stale_generation"
	CodeGenerationMismatch = "generation_mismatch"
	CodeUnhealthy          = "unhealthy"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string           `json:"status"`
	Generation chaos.Generation `json:"generation"`
	Active     bool             `json:"active"`
}

// PointInfo describes one declared fail point.
type PointInfo struct {
	ID       string             `json:"id"`
	Actions  []chaos.ActionKind `json:"actions"`
	MinDelay time.Duration      `json:"min_delay,omitempty"`
	MaxDelay time.Duration      `json:"max_delay,omitempty"`
}

// PointsResponse is the body of GET /v1/points.
type PointsResponse struct {
	Points []PointInfo `json:"points"`
}

// PlanStatusResponse is the body of GET /v1/plan.
type PlanStatusResponse struct {
	Generation chaos.Generation `json:"generation"`
	Active     bool             `json:"active"`
}

// InstallResponse is the body of a successful PUT /v1/plan.
type InstallResponse struct {
	Generation chaos.Generation `json:"generation"`
	Active     []string         `json:"active"`
}

// CountsResponse is the body of GET /v1/plan/counts.
type CountsResponse struct {
	Generation chaos.Generation             `json:"generation"`
	Counts     map[string]chaos.PointCounts `json:"counts"`
}
