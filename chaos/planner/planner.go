// Package planner produces the next RunPlan of a campaign from the MTBF
// model and the exploration policy.
//
// Each eligible fail point is scored as
//
//	score = contribution + exploration bonus
//	contribution = rate(best action) / max known rate   (unknown rate → 0.5)
//
// and the top MaxConcurrentPoints points are activated. Their trigger
// probabilities are calibrated so the combined predicted failure hazard
// over the run budget matches the campaign's target risk:
//
//	Λ = −ln(1 − TargetRisk) / Budget
//	p = clamp(Λ / (k · rate), MinProbability, 1)
package planner

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/estimator"
)

// ErrNoCandidates is returned when no registered point passes the filters.
var ErrNoCandidates = errors.New("planner: no eligible fail points")

// unknownContribution is the contribution assumed for never-measured pairs.
const unknownContribution = 0.5

// Model predicts failure rates. Satisfied by *estimator.Estimator.
type Model interface {
	Predict(id string, action chaos.ActionKind) estimator.Prediction
}

// Exploration supplies exploration bonuses. Satisfied by *explore.Policy.
type Exploration interface {
	Score(id string, totalRuns int) float64
	TotalRuns() int
}

// Config holds the plan generator parameters.
type Config struct {
	MaxConcurrentPoints int
	TargetRisk          float64       // desired P(run fails within its budget)
	RunBudget           time.Duration // minimum run duration
	MaxSurge            time.Duration // budgets are drawn in [RunBudget, MaxSurge] when larger
	InitialProbability  float64       // used for pairs with unknown rate; 0 = TargetRisk
	MinProbability      float64       // floor for calibrated probabilities
	Include             []string      // substring filters on point ids; empty = all
}

// ConfigFromCampaign derives a planner Config from the campaign config.
func ConfigFromCampaign(c chaos.CampaignConfig) Config {
	return Config{
		MaxConcurrentPoints: c.MaxConcurrentPoints,
		TargetRisk:          c.TargetRisk,
		RunBudget:           c.RunBudget,
		MaxSurge:            c.MaxSurge,
		Include:             c.Include,
	}
}

// Candidate is the scoring breakdown of one point, kept for tracing.
type Candidate struct {
	ID           string           `json:"id"`
	Action       chaos.ActionKind `json:"action"`
	Rate         float64          `json:"rate"`
	Known        bool             `json:"known"`
	Contribution float64          `json:"contribution"`
	Bonus        float64          `json:"bonus"`
	Score        float64          `json:"score"`
	Selected     bool             `json:"selected"`
}

// Generator is the Plan Generator. Not safe for concurrent use; the
// campaign loop is its only caller.
type Generator struct {
	cfg Config
	rng *rand.Rand
	gen chaos.Generation
}

// New validates cfg and creates a Generator drawing from rng.
func New(cfg Config, rng *rand.Rand) (*Generator, error) {
	if cfg.MaxConcurrentPoints <= 0 {
		return nil, fmt.Errorf("planner: max concurrent points must be positive, got %d", cfg.MaxConcurrentPoints)
	}
	if math.IsNaN(cfg.TargetRisk) || cfg.TargetRisk <= 0 || cfg.TargetRisk >= 1 {
		return nil, fmt.Errorf("planner: target risk must be in (0, 1), got %v", cfg.TargetRisk)
	}
	if cfg.RunBudget <= 0 {
		return nil, fmt.Errorf("planner: run budget must be positive, got %v", cfg.RunBudget)
	}
	if cfg.InitialProbability == 0 {
		cfg.InitialProbability = cfg.TargetRisk
	}
	if cfg.InitialProbability < 0 || cfg.InitialProbability > 1 {
		return nil, fmt.Errorf("planner: initial probability must be in [0, 1], got %v", cfg.InitialProbability)
	}
	if cfg.MinProbability <= 0 {
		cfg.MinProbability = 1e-4
	}
	if rng == nil {
		return nil, errors.New("planner: rng must not be nil")
	}
	return &Generator{cfg: cfg, rng: rng}, nil
}

// Generation returns the generation of the last produced plan.
func (g *Generator) Generation() chaos.Generation {
	return g.gen
}

// Rebase makes the next plan follow base when base is ahead of the last
// produced generation.
func (g *Generator) Rebase(base chaos.Generation) {
	if base > g.gen {
		g.gen = base
	}
}

// NextPlan ranks the registered points and produces a new plan generation.
// The returned candidates are sorted by descending score.
func (g *Generator) NextPlan(reg *chaos.Registry, model Model, exp Exploration) (chaos.RunPlan, []Candidate, error) {
	points := g.eligible(reg.Points())
	if len(points) == 0 {
		return chaos.RunPlan{}, nil, ErrNoCandidates
	}

	maxRate := 0.0
	for _, fp := range points {
		for _, a := range fp.Actions {
			if pred := model.Predict(fp.ID, a); pred.Known && pred.Rate > maxRate {
				maxRate = pred.Rate
			}
		}
	}

	total := exp.TotalRuns()
	candidates := make([]Candidate, 0, len(points))
	for _, fp := range points {
		c := Candidate{ID: fp.ID, Contribution: -1}
		for _, a := range fp.Actions {
			pred := model.Predict(fp.ID, a)
			contribution := unknownContribution
			if pred.Known && maxRate > 0 {
				contribution = pred.Rate / maxRate
			}
			if contribution > c.Contribution {
				c.Action, c.Rate, c.Known, c.Contribution = a, pred.Rate, pred.Known, contribution
			}
		}
		c.Bonus = exp.Score(fp.ID, total)
		c.Score = c.Contribution + c.Bonus
		candidates = append(candidates, c)
	}
	// registration order breaks ties
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	k := min(g.cfg.MaxConcurrentPoints, len(candidates))
	budget := g.drawBudget()
	hazard := -math.Log(1-g.cfg.TargetRisk) / budget.Seconds()

	g.gen++
	plan := chaos.RunPlan{
		Generation: g.gen,
		Budget:     budget,
		Entries:    make(map[string]chaos.Activation, k),
	}
	for i := 0; i < k; i++ {
		c := &candidates[i]
		c.Selected = true
		fp, err := reg.Lookup(c.ID)
		if err != nil {
			return chaos.RunPlan{}, nil, err
		}
		act := chaos.Activation{Action: c.Action, Probability: g.probability(*c, hazard, k)}
		if c.Action == chaos.ActionDelay {
			act.Delay = g.drawDelay(fp.Bounds)
		}
		plan.Entries[c.ID] = act
	}
	logrus.Debugf("planner: %v from %d candidates", plan, len(candidates))
	return plan, candidates, nil
}

func (g *Generator) eligible(points []chaos.FailPoint) []chaos.FailPoint {
	if len(g.cfg.Include) == 0 {
		return points
	}
	out := points[:0:0]
	for _, fp := range points {
		for _, f := range g.cfg.Include {
			if strings.Contains(fp.ID, f) {
				out = append(out, fp)
				break
			}
		}
	}
	return out
}

func (g *Generator) probability(c Candidate, hazard float64, k int) float64 {
	if !c.Known || c.Rate <= 0 {
		return g.cfg.InitialProbability
	}
	p := hazard / (float64(k) * c.Rate)
	return math.Min(1, math.Max(g.cfg.MinProbability, p))
}

func (g *Generator) drawBudget() time.Duration {
	if g.cfg.MaxSurge <= g.cfg.RunBudget {
		return g.cfg.RunBudget
	}
	span := int64(g.cfg.MaxSurge - g.cfg.RunBudget)
	return g.cfg.RunBudget + time.Duration(g.rng.Int63n(span+1))
}

func (g *Generator) drawDelay(b chaos.ParamBounds) time.Duration {
	if b.MaxDelay <= b.MinDelay {
		return b.MinDelay
	}
	span := int64(b.MaxDelay - b.MinDelay)
	return b.MinDelay + time.Duration(g.rng.Int63n(span+1))
}
