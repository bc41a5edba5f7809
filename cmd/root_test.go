package cmd

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/agent"
	"github.com/kaos-harness/kaos/chaos/orchestrator"
	"github.com/kaos-harness/kaos/chaos/report"
	"github.com/kaos-harness/kaos/chaos/simtarget"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.ErrorLevel)
	}
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const campaignYAML = `
seed: 9
runs: 3
run_budget: 2s
target_risk: 0.3
probe:
  interval: 10ms
  timeout: 50ms
  miss_threshold: 2
  retries: 1
  initial_backoff: 1ms
  max_backoff: 5ms
target:
  points:
    - id: cache.get
      actions: [error]
      interval: 1ms
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerCampaignFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadCampaignConfig_FlagsOverrideYAML(t *testing.T) {
	// GIVEN a campaign file with seed 9 and 3 runs
	path := writeConfig(t, campaignYAML)

	// WHEN only --runs and --include are set on the command line
	fs := parseFlags(t, "--config", path, "--runs", "7", "--include", "cache,db")
	cfg, err := loadCampaignConfig(fs)

	// THEN set flags win and unset flags keep the file's values
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Runs)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, 2*time.Second, cfg.RunBudget)
	assert.InDelta(t, 0.3, cfg.TargetRisk, 1e-12)
	assert.Equal(t, []string{"cache", "db"}, cfg.Include)
	assert.Equal(t, 10*time.Millisecond, cfg.Probe.Interval)
	require.Len(t, cfg.Target.Points, 1)
}

func TestLoadCampaignConfig_DefaultsWithoutFile(t *testing.T) {
	fs := parseFlags(t)
	cfg, err := loadCampaignConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, chaos.DefaultCampaignConfig().Runs, cfg.Runs)
}

func TestLoadCampaignConfig_InvalidOverride(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"risk of one", []string{"--target-risk", "1"}},
		{"zero runs", []string{"--runs", "0"}},
		{"surge below budget", []string{"--budget", "2s", "--max-surge", "1s"}},
		{"zero probe threshold", []string{"--probe-threshold", "0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadCampaignConfig(parseFlags(t, tc.args...))
			assert.Error(t, err)
		})
	}
}

func TestRunCampaign_RemoteAgentJournalsEveryRun(t *testing.T) {
	// GIVEN a simulated service behind an agent and a journal path
	cfg, err := loadCampaignConfig(parseFlags(t, "--config", writeConfig(t, campaignYAML), "--budget", "50ms"))
	require.NoError(t, err)
	cfg.Journal = filepath.Join(t.TempDir(), "runs.jsonl")

	svc, err := simtarget.New(cfg.Target, chaos.NewPartitionedRNG(chaos.NewCampaignKey(cfg.Seed)))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	srv := httptest.NewServer(agent.NewServer(svc.Engine(), agent.WithHealth(svc.Alive)).Handler())
	t.Cleanup(srv.Close)

	client := agent.NewClient(srv.URL, cfg.Probe.Timeout)
	reg, err := client.Registry(context.Background())
	require.NoError(t, err)

	// WHEN a campaign runs through the HTTP control channel
	err = runCampaign(cfg, reg, client, orchestrator.NopLauncher{})

	// THEN every run survives the handled errors and is journaled with counts
	require.NoError(t, err)
	records, err := report.ReadJournal(cfg.Journal)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, chaos.OutcomeSurvived, rec.Outcome)
		assert.Positive(t, rec.Triggers["cache.get"].Hits)
	}
	assert.Positive(t, svc.Stats().Errors)
	assert.False(t, svc.Engine().Active())
}

func TestReport_JournalSpanningTwoCampaigns(t *testing.T) {
	// GIVEN one long-lived agent and a journal shared by consecutive campaigns
	cfg, err := loadCampaignConfig(parseFlags(t, "--config", writeConfig(t, campaignYAML), "--budget", "30ms"))
	require.NoError(t, err)
	cfg.Journal = filepath.Join(t.TempDir(), "runs.jsonl")
	svc, err := simtarget.New(cfg.Target, chaos.NewPartitionedRNG(chaos.NewCampaignKey(cfg.Seed)))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	srv := httptest.NewServer(agent.NewServer(svc.Engine(), agent.WithHealth(svc.Alive)).Handler())
	t.Cleanup(srv.Close)
	client := agent.NewClient(srv.URL, cfg.Probe.Timeout)
	reg, err := client.Registry(context.Background())
	require.NoError(t, err)

	// WHEN two campaigns run and the journal is replayed
	require.NoError(t, runCampaign(cfg, reg, client, orchestrator.NopLauncher{}))
	require.NoError(t, runCampaign(cfg, reg, client, orchestrator.NopLauncher{}))
	summary, est, err := replayJournal(cfg.Journal)

	// THEN runs of both campaigns reach the estimator despite repeated run ids
	require.NoError(t, err)
	assert.Equal(t, 6, summary.TotalRuns)
	records, err := report.ReadJournal(cfg.Journal)
	require.NoError(t, err)
	campaigns := map[string]bool{}
	for _, rec := range records {
		campaigns[rec.CampaignID] = true
		assert.True(t, est.Applied(rec.Key()), "run %d of %s", rec.RunID, rec.CampaignID)
	}
	assert.Len(t, campaigns, 2)
	assert.Equal(t, uint64(1), records[3].RunID)
	assert.Greater(t, records[3].Plan.Generation, records[2].Plan.Generation)
}

func TestExampleCampaignFile_IsValid(t *testing.T) {
	// GIVEN the campaign file shipped at the repository root
	fs := parseFlags(t, "--config", filepath.Join("..", "campaign.yaml"))

	// WHEN it is loaded through the CLI path
	cfg, err := loadCampaignConfig(fs)

	// THEN it validates and declares a buildable simulated target
	require.NoError(t, err)
	assert.Len(t, cfg.Target.Points, 4)
	_, err = simtarget.New(cfg.Target, chaos.NewPartitionedRNG(chaos.NewCampaignKey(cfg.Seed)))
	assert.NoError(t, err)
}
