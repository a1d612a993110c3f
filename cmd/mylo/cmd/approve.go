package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var approveCmd = &cobra.Command{
	Use:   "approve [token]",
	Short: "Decide an open approval gate with its token",
	Long: `Decide an open approval gate. The token comes from the approval link
posted to the notification channel; it identifies the run and gate and
expires with the gate's TTL.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		decision, _ := cmd.Flags().GetString("decision")
		by, _ := cmd.Flags().GetString("by")
		reason, _ := cmd.Flags().GetString("reason")

		out, err := client.Decide(args[0], decision, by, reason)
		if err != nil {
			cmd.Printf("Error deciding gate: %s\n", err)
			os.Exit(1)
		}
		cmd.Printf("Gate %s on run %s: %s\n", out["gate"], out["run_id"], out["decision"])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [run_id]",
	Short: "Force-fail a run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		reason, _ := cmd.Flags().GetString("reason")
		if err := client.CancelRun(args[0], reason); err != nil {
			cmd.Printf("Error cancelling run: %s\n", err)
			os.Exit(1)
		}
		cmd.Printf("Run %s cancelled.\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(cancelCmd)

	approveCmd.Flags().StringP("decision", "d", "approve", "Decision: approve or reject")
	approveCmd.Flags().String("by", "", "Who is deciding")
	approveCmd.Flags().String("reason", "", "Reason for the decision")

	cancelCmd.Flags().String("reason", "", "Reason for cancelling")
}
