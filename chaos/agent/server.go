package agent

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kaos-harness/kaos/chaos"
)

// Server serves the control API of one engine.
type Server struct {
	engine *chaos.Engine
	health func() bool
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithHealth makes /healthz report 503 whenever fn returns false.
func WithHealth(fn func() bool) ServerOption {
	return func(s *Server) { s.health = fn }
}

// NewServer creates a Server for engine.
func NewServer(engine *chaos.Engine, opts ...ServerOption) *Server {
	s := &Server{engine: engine, health: func() bool { return true }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns a gin router with the agent routes and panic recovery.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the agent endpoints on r.
func (s *Server) RegisterRoutes(r gin.IRoutes) {
	r.GET("/healthz", s.HandleHealth)
	r.GET("/v1/points", s.HandlePoints)
	r.GET("/v1/plan", s.HandlePlanStatus)
	r.PUT("/v1/plan", s.HandleInstall)
	r.DELETE("/v1/plan", s.HandleDeactivate)
	r.GET("/v1/plan/counts", s.HandleCounts)
}

// HandleHealth handles GET /healthz.
func (s *Server) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:     "ok",
		Generation: s.engine.Generation(),
		Active:     s.engine.Active(),
	}
	if !s.health() {
		resp.Status = CodeUnhealthy
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePoints handles GET /v1/points.
func (s *Server) HandlePoints(c *gin.Context) {
	points := s.engine.Registry().Points()
	resp := PointsResponse{Points: make([]PointInfo, 0, len(points))}
	for _, fp := range points {
		resp.Points = append(resp.Points, PointInfo{
			ID:       fp.ID,
			Actions:  fp.Actions,
			MinDelay: fp.Bounds.MinDelay,
			MaxDelay: fp.Bounds.MaxDelay,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePlanStatus handles GET /v1/plan. It answers even while the
// service reports unhealthy.
func (s *Server) HandlePlanStatus(c *gin.Context) {
	c.JSON(http.StatusOK, PlanStatusResponse{Generation: s.engine.Generation(), Active: s.engine.Active()})
}

// HandleInstall handles PUT /v1/plan.
func (s *Server) HandleInstall(c *gin.Context) {
	var plan chaos.RunPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeBadRequest})
		return
	}
	if err := s.engine.Install(plan); err != nil {
		if errors.Is(err, chaos.ErrStaleGeneration) {
			logrus.Warnf("agent: rejected plan: %v", err)
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeStaleGeneration})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeInvalidPlan})
		return
	}
	c.JSON(http.StatusOK, InstallResponse{Generation: plan.Generation, Active: plan.ActivePoints()})
}

// HandleDeactivate handles DELETE /v1/plan.
func (s *Server) HandleDeactivate(c *gin.Context) {
	s.engine.Reset()
	c.Status(http.StatusNoContent)
}

// HandleCounts handles GET /v1/plan/counts.
func (s *Server) HandleCounts(c *gin.Context) {
	gen, err := strconv.ParseUint(c.Query("generation"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "generation query parameter must be an unsigned integer", Code: CodeBadRequest})
		return
	}
	counts, err := s.engine.Counts(chaos.Generation(gen))
	if err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeGenerationMismatch})
		return
	}
	c.JSON(http.StatusOK, CountsResponse{Generation: chaos.Generation(gen), Counts: counts})
}
