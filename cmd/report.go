package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kaos-harness/kaos/chaos/estimator"
	"github.com/kaos-harness/kaos/chaos/report"
)

// reportCmd replays a run journal into a fresh estimator and prints the
// campaign summary.
var reportCmd = &cobra.Command{
	Use:   "report <journal.jsonl>",
	Short: "Summarize a run journal",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		summary, est, err := replayJournal(args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		summary.Print(os.Stdout, est)
		if summary.AvailabilityViolations > 0 {
			os.Exit(1)
		}
	},
}

// replayJournal summarizes a journal that may hold several campaigns.
func replayJournal(path string) (*report.Summary, *estimator.Estimator, error) {
	records, err := report.ReadJournal(path)
	if err != nil {
		return nil, nil, err
	}
	est := estimator.New(estimator.DefaultConfig())
	for _, rec := range records {
		est.Apply(rec)
	}
	return report.Summarize(records), est, nil
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
