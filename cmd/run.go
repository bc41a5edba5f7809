package cmd

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kaos-harness/kaos/chaos/agent"
	"github.com/kaos-harness/kaos/chaos/orchestrator"
)

var (
	targetURL     string   // Agent base URL of the target
	launchCommand []string // Command starting the target before each run
)

// runCmd runs a campaign against a target exposing the kaos agent API.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a chaos campaign against a remote target agent",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadCampaignConfig(cmd.Flags())
		if err != nil {
			logrus.Fatalf("Invalid campaign configuration: %v", err)
		}
		if cmd.Flags().Changed("target") {
			cfg.Target.URL = targetURL
		}
		if cmd.Flags().Changed("launch") {
			cfg.Target.Command = launchCommand
		}
		if cfg.Target.URL == "" {
			logrus.Fatalf("Target agent URL not provided (--target or target.url)")
		}

		client := agent.NewClient(cfg.Target.URL, cfg.Probe.Timeout)
		var launcher orchestrator.Launcher = orchestrator.NopLauncher{}
		if len(cfg.Target.Command) > 0 {
			launcher = orchestrator.NewCommandLauncher(cfg.Target.Command, client)
		}

		// the agent must be up to list its fail points
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := launcher.Start(ctx); err != nil {
			logrus.Fatalf("Starting target: %v", err)
		}
		reg, err := client.Registry(ctx)
		if err != nil {
			logrus.Fatalf("Fetching fail points from %s: %v", cfg.Target.URL, err)
		}
		logrus.Infof("Target %s declares %d fail points", cfg.Target.URL, reg.Len())

		exitOnError(runCampaign(cfg, reg, client, launcher))
	},
}

func init() {
	registerCampaignFlags(runCmd.Flags())
	runCmd.Flags().StringVar(&targetURL, "target", "", "Base URL of the target's kaos agent (e.g. http://localhost:7070)")
	runCmd.Flags().StringSliceVar(&launchCommand, "launch", nil, "Command (comma-separated argv) starting the target before each run")
	rootCmd.AddCommand(runCmd)
}
