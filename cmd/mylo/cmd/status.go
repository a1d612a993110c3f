package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Show the status of a run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		summary, err := client.GetRun(args[0])
		if err != nil {
			cmd.Printf("Error fetching run: %s\n", err)
			os.Exit(1)
		}

		run := summary.Run
		cmd.Printf("Run:       %s\n", run.RunID)
		cmd.Printf("Pipeline:  %s\n", run.Pipeline)
		cmd.Printf("Status:    %s\n", run.Status)
		if summary.StageName != "" {
			cmd.Printf("Stage:     %s (%d/%d)\n", summary.StageName, run.CurrentStage+1, len(run.Spec.Stages))
		}
		if summary.OpenGate != nil {
			g := summary.OpenGate
			cmd.Printf("Gate:      %s (mode=%s)\n", g.GateName, g.Mode)
			if g.ExpiresAt != nil {
				cmd.Printf("           auto-approves at %s\n", g.ExpiresAt.Format(time.RFC3339))
			}
		}
		cmd.Printf("Artifacts: %d\n", summary.Artifacts)
		if summary.LastArtifact != nil {
			cmd.Printf("Last:      %s (%s)\n", summary.LastArtifact.Type, summary.LastArtifact.CreatedAt.Format(time.RFC3339))
		}
		if len(run.Result) > 0 {
			cmd.Printf("Result:    %s\n", string(run.Result))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
