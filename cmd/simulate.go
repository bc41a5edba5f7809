package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/simtarget"
)

// simulateCmd runs a campaign against an in-process simulated service
// built from the target.points section of the campaign file.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a chaos campaign against an in-process simulated target",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadCampaignConfig(cmd.Flags())
		if err != nil {
			logrus.Fatalf("Invalid campaign configuration: %v", err)
		}
		if len(cfg.Target.Points) == 0 {
			logrus.Fatalf("simulate needs target.points in the campaign file (--config)")
		}
		target, err := simtarget.New(cfg.Target, chaos.NewPartitionedRNG(chaos.NewCampaignKey(cfg.Seed)))
		if err != nil {
			logrus.Fatalf("Building simulated target: %v", err)
		}
		logrus.Infof("Simulating target with %d fail points", target.Registry().Len())

		err = runCampaign(cfg, target.Registry(), target, target)
		st := target.Stats()
		logrus.Infof("Simulated target: %d calls, %d handled errors, %d crashes", st.Calls, st.Errors, st.Crashes)
		exitOnError(err)
	},
}

func init() {
	registerCampaignFlags(simulateCmd.Flags())
	rootCmd.AddCommand(simulateCmd)
}
