package chaos

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCampaignConfig_ParsesAndKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
seed: 7
runs: 50
max_concurrent_points: 2
target_risk: 0.5
run_budget: 1s
include: ["db."]
probe:
  interval: 10ms
  miss_threshold: 2
target:
  points:
    - id: db.write
      actions: [crash, delay]
      min_delay: 1ms
      max_delay: 5ms
      interval: 5ms
      workers: 2
`)
	cfg, err := LoadCampaignConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 50, cfg.Runs)
	assert.Equal(t, time.Second, cfg.RunBudget)
	assert.Equal(t, 10*time.Millisecond, cfg.Probe.Interval)
	assert.Equal(t, 2, cfg.Probe.MissThreshold)
	// unset probe fields keep their defaults
	assert.Equal(t, DefaultProbeConfig().Timeout, cfg.Probe.Timeout)
	assert.Equal(t, []string{"db."}, cfg.Include)
	require.Len(t, cfg.Target.Points, 1)
	assert.Equal(t, 5*time.Millisecond, cfg.Target.Points[0].MaxDelay)
	require.NoError(t, cfg.Validate())

	reg := NewRegistry()
	require.NoError(t, cfg.Target.Register(reg))
	fp, err := reg.Lookup("db.write")
	require.NoError(t, err)
	assert.True(t, fp.Supports(ActionDelay))
}

func TestLoadCampaignConfig_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "runz: 5\n")
	_, err := LoadCampaignConfig(path)
	assert.Error(t, err)
}

func TestLoadCampaignConfig_MissingFile(t *testing.T) {
	_, err := LoadCampaignConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCampaignConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CampaignConfig)
	}{
		{"zero runs", func(c *CampaignConfig) { c.Runs = 0 }},
		{"zero max points", func(c *CampaignConfig) { c.MaxConcurrentPoints = 0 }},
		{"risk zero", func(c *CampaignConfig) { c.TargetRisk = 0 }},
		{"risk one", func(c *CampaignConfig) { c.TargetRisk = 1 }},
		{"zero budget", func(c *CampaignConfig) { c.RunBudget = 0 }},
		{"surge below budget", func(c *CampaignConfig) { c.MaxSurge = c.RunBudget / 2 }},
		{"negative availability", func(c *CampaignConfig) { c.MinAvailability = -time.Second }},
		{"zero probe interval", func(c *CampaignConfig) { c.Probe.Interval = 0 }},
		{"zero miss threshold", func(c *CampaignConfig) { c.Probe.MissThreshold = 0 }},
		{"inverted backoff", func(c *CampaignConfig) { c.Probe.MaxBackoff = c.Probe.InitialBackoff / 2 }},
		{"point without actions", func(c *CampaignConfig) {
			c.Target.Points = []PointSpec{{ID: "p", Interval: time.Millisecond}}
		}},
		{"point with unknown action", func(c *CampaignConfig) {
			c.Target.Points = []PointSpec{{ID: "p", Actions: []string{"melt"}, Interval: time.Millisecond}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCampaignConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultCampaignConfig()
	assert.NoError(t, cfg.Validate())
}
