package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/metrics"
	"github.com/kaos-harness/kaos/chaos/orchestrator"
	"github.com/kaos-harness/kaos/chaos/report"
)

var (
	// Campaign flags shared by run and simulate. Unset flags leave the
	// YAML (or default) value untouched.
	configPath      string        // Campaign YAML file
	logLevel        string        // Log verbosity level
	seed            int64         // Campaign seed
	runs            int           // Number of runs
	maxPoints       int           // Max concurrently active fail points per run
	targetRisk      float64       // Target per-run failure probability
	runBudget       time.Duration // Nominal run duration
	maxSurge        time.Duration // Upper bound of the drawn run duration
	minAvailability time.Duration // Runs failing sooner are flagged
	include         []string      // Fail point id filters (substring match)
	journalPath     string        // JSONL run journal
	metricsAddr     string        // Prometheus listen address
	probeInterval   time.Duration
	probeTimeout    time.Duration
	probeThreshold  int
	probeRetries    int
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "kaos",
	Short: "Adaptive chaos-engineering harness",
	Long: "kaos injects faults into a target service through declared fail points,\n" +
		"learns how quickly each point brings the service down and schedules\n" +
		"future runs toward the weakest points.",
	SilenceUsage: true,
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	}
}

// registerCampaignFlags attaches the campaign flags to cmd.
func registerCampaignFlags(fs *pflag.FlagSet) {
	def := chaos.DefaultCampaignConfig()
	fs.StringVar(&configPath, "config", "", "Campaign YAML file (flags override its values)")
	fs.Int64Var(&seed, "seed", def.Seed, "Campaign seed")
	fs.IntVar(&runs, "runs", def.Runs, "Number of runs")
	fs.IntVar(&maxPoints, "max-points", def.MaxConcurrentPoints, "Max fail points active in one run")
	fs.Float64Var(&targetRisk, "target-risk", def.TargetRisk, "Target probability that a run fails, in (0, 1)")
	fs.DurationVar(&runBudget, "budget", def.RunBudget, "Nominal run duration")
	fs.DurationVar(&maxSurge, "max-surge", 0, "Draw each run duration in [budget, max-surge]; 0 keeps it fixed")
	fs.DurationVar(&minAvailability, "min-availability", 0, "Flag runs whose target fails sooner than this; 0 disables")
	fs.StringSliceVar(&include, "include", nil, "Only schedule fail points whose id contains one of these substrings")
	fs.StringVar(&journalPath, "journal", "", "Append every run record to this JSONL file")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	fs.DurationVar(&probeInterval, "probe-interval", def.Probe.Interval, "Health probe interval")
	fs.DurationVar(&probeTimeout, "probe-timeout", def.Probe.Timeout, "Health probe timeout")
	fs.IntVar(&probeThreshold, "probe-threshold", def.Probe.MissThreshold, "Consecutive misses that mark the target down")
	fs.IntVar(&probeRetries, "probe-retries", def.Probe.Retries, "Retries of a probe on transport errors")
}

// loadCampaignConfig reads --config (if any) and applies the flags the user
// set explicitly on top of it.
func loadCampaignConfig(fs *pflag.FlagSet) (chaos.CampaignConfig, error) {
	cfg := chaos.DefaultCampaignConfig()
	if configPath != "" {
		loaded, err := chaos.LoadCampaignConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if fs.Changed("seed") {
		cfg.Seed = seed
	}
	if fs.Changed("runs") {
		cfg.Runs = runs
	}
	if fs.Changed("max-points") {
		cfg.MaxConcurrentPoints = maxPoints
	}
	if fs.Changed("target-risk") {
		cfg.TargetRisk = targetRisk
	}
	if fs.Changed("budget") {
		cfg.RunBudget = runBudget
	}
	if fs.Changed("max-surge") {
		cfg.MaxSurge = maxSurge
	}
	if fs.Changed("min-availability") {
		cfg.MinAvailability = minAvailability
	}
	if fs.Changed("include") {
		cfg.Include = include
	}
	if fs.Changed("journal") {
		cfg.Journal = journalPath
	}
	if fs.Changed("probe-interval") {
		cfg.Probe.Interval = probeInterval
	}
	if fs.Changed("probe-timeout") {
		cfg.Probe.Timeout = probeTimeout
	}
	if fs.Changed("probe-threshold") {
		cfg.Probe.MissThreshold = probeThreshold
	}
	if fs.Changed("probe-retries") {
		cfg.Probe.Retries = probeRetries
	}
	return cfg, cfg.Validate()
}

// runCampaign executes a campaign against target and prints its summary.
// It returns errViolated when any run fell below the availability floor.
func runCampaign(cfg chaos.CampaignConfig, reg *chaos.Registry, target orchestrator.Target, launcher orchestrator.Launcher) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []orchestrator.CampaignOption{orchestrator.WithLauncher(launcher)}
	if cfg.Journal != "" {
		journal, err := report.OpenJournal(cfg.Journal)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logrus.Warnf("closing journal: %v", err)
			}
		}()
		opts = append(opts, orchestrator.WithSink(journal))
	}
	if metricsAddr != "" {
		srv, err := serveMetrics(metricsAddr)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()
	}

	campaign, err := orchestrator.NewCampaign(cfg, reg, target, opts...)
	if err != nil {
		return err
	}
	startTime := time.Now()
	res, err := campaign.Run(ctx)
	res.Summary.Print(os.Stdout, campaign.Estimator())
	logrus.Infof("Campaign %s finished in %v", res.CampaignID, time.Since(startTime).Round(time.Millisecond))
	if err != nil {
		return fmt.Errorf("campaign aborted: %w", err)
	}
	if res.Violated() {
		return errViolated
	}
	return nil
}

var errViolated = errors.New("availability floor violated")

func serveMetrics(addr string) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("metrics server: %v", err)
		}
	}()
	logrus.Infof("Serving metrics on %s/metrics", addr)
	return srv, nil
}

// exitOnError logs err and exits; violations exit 1 without a fatal log.
func exitOnError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, errViolated):
		logrus.Errorf("%v", err)
		os.Exit(1)
	default:
		logrus.Fatalf("%v", err)
	}
}
