package chaos

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CampaignConfig is the top-level campaign configuration.
// Loaded from YAML via LoadCampaignConfig(path); CLI flags override fields.
type CampaignConfig struct {
	Seed                int64         `yaml:"seed"`
	Runs                int           `yaml:"runs"`
	MaxConcurrentPoints int           `yaml:"max_concurrent_points"`
	TargetRisk          float64       `yaml:"target_risk"`
	RunBudget           time.Duration `yaml:"run_budget"`
	MaxSurge            time.Duration `yaml:"max_surge,omitempty"`        // 0 = fixed budget
	MinAvailability     time.Duration `yaml:"min_availability,omitempty"` // 0 = no availability floor
	Include             []string      `yaml:"include,omitempty"`          // fail point id substrings
	Journal             string        `yaml:"journal,omitempty"`
	Probe               ProbeConfig   `yaml:"probe"`
	Target              TargetSpec    `yaml:"target"`
}

// ProbeConfig configures health probing of the target.
type ProbeConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	MissThreshold  int           `yaml:"miss_threshold"`
	Retries        int           `yaml:"retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// TargetSpec describes how to reach (or simulate) the target service.
type TargetSpec struct {
	URL     string      `yaml:"url,omitempty"`     // agent base URL for remote targets
	Command []string    `yaml:"command,omitempty"` // optional launcher command
	Points  []PointSpec `yaml:"points,omitempty"`  // simulated target declarations
}

// PointSpec declares one fail point of a simulated target and how often the
// simulated workload reaches it.
type PointSpec struct {
	ID       string        `yaml:"id"`
	Actions  []string      `yaml:"actions"`
	MinDelay time.Duration `yaml:"min_delay,omitempty"`
	MaxDelay time.Duration `yaml:"max_delay,omitempty"`
	Interval time.Duration `yaml:"interval"`          // time between checkpoint calls per worker
	Workers  int           `yaml:"workers,omitempty"` // concurrent callers (default 1)
}

// DefaultCampaignConfig returns sensible defaults.
func DefaultCampaignConfig() CampaignConfig {
	return CampaignConfig{
		Seed:                42,
		Runs:                20,
		MaxConcurrentPoints: 1,
		TargetRisk:          0.5,
		RunBudget:           5 * time.Second,
		Probe:               DefaultProbeConfig(),
	}
}

// DefaultProbeConfig returns sensible probe defaults.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Interval:       100 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
		MissThreshold:  3,
		Retries:        4,
		InitialBackoff: 25 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// LoadCampaignConfig reads a YAML campaign file on top of the defaults.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadCampaignConfig(path string) (*CampaignConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading campaign config: %w", err)
	}
	cfg := DefaultCampaignConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing campaign config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all fields are in range.
func (c *CampaignConfig) Validate() error {
	if c.Runs <= 0 {
		return fmt.Errorf("runs must be positive, got %d", c.Runs)
	}
	if c.MaxConcurrentPoints <= 0 {
		return fmt.Errorf("max_concurrent_points must be positive, got %d", c.MaxConcurrentPoints)
	}
	if math.IsNaN(c.TargetRisk) || c.TargetRisk <= 0 || c.TargetRisk >= 1 {
		return fmt.Errorf("target_risk must be in (0, 1), got %v", c.TargetRisk)
	}
	if c.RunBudget <= 0 {
		return fmt.Errorf("run_budget must be positive, got %v", c.RunBudget)
	}
	if c.MaxSurge != 0 && c.MaxSurge < c.RunBudget {
		return fmt.Errorf("max_surge (%v) must be zero or at least run_budget (%v)", c.MaxSurge, c.RunBudget)
	}
	if c.MinAvailability < 0 {
		return fmt.Errorf("min_availability must be non-negative, got %v", c.MinAvailability)
	}
	if err := c.Probe.Validate(); err != nil {
		return err
	}
	for i, p := range c.Target.Points {
		if err := p.validate(i); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks probe timing parameters.
func (p ProbeConfig) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("probe.interval must be positive, got %v", p.Interval)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be positive, got %v", p.Timeout)
	}
	if p.MissThreshold < 1 {
		return fmt.Errorf("probe.miss_threshold must be >= 1, got %d", p.MissThreshold)
	}
	if p.Retries < 0 {
		return fmt.Errorf("probe.retries must be non-negative, got %d", p.Retries)
	}
	if p.InitialBackoff <= 0 || p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("probe backoff must satisfy 0 < initial_backoff <= max_backoff, got %v / %v",
			p.InitialBackoff, p.MaxBackoff)
	}
	return nil
}

func (p PointSpec) validate(idx int) error {
	prefix := fmt.Sprintf("target.points[%d]", idx)
	if p.ID == "" {
		return fmt.Errorf("%s: id is required", prefix)
	}
	if _, err := p.ActionKinds(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("%s: interval must be positive, got %v", prefix, p.Interval)
	}
	if p.Workers < 0 {
		return fmt.Errorf("%s: workers must be non-negative, got %d", prefix, p.Workers)
	}
	return nil
}

// ActionKinds parses the declared action names.
func (p PointSpec) ActionKinds() ([]ActionKind, error) {
	if len(p.Actions) == 0 {
		return nil, fmt.Errorf("point %q declares no actions", p.ID)
	}
	kinds := make([]ActionKind, 0, len(p.Actions))
	for _, name := range p.Actions {
		k, err := ParseActionKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Register declares every point of t on reg.
func (t TargetSpec) Register(reg *Registry) error {
	for _, p := range t.Points {
		kinds, err := p.ActionKinds()
		if err != nil {
			return err
		}
		if err := reg.Register(p.ID, kinds, ParamBounds{MinDelay: p.MinDelay, MaxDelay: p.MaxDelay}); err != nil {
			return err
		}
	}
	return nil
}
