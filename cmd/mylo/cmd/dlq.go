package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead letter queue",
	Long:  `Inspect and replay bus messages that exhausted their delivery retries.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		limit, _ := cmd.Flags().GetInt("limit")
		includeReplayed, _ := cmd.Flags().GetBool("all")

		letters, err := client.ListDeadLetters(limit, includeReplayed)
		if err != nil {
			cmd.Printf("Error fetching DLQ: %s\n", err)
			os.Exit(1)
		}

		if len(letters) == 0 {
			cmd.Println("No dead letters.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tTOPIC\tRUN\tFAILED AT\tREASON")
		for _, dl := range letters {
			reason := dl.Reason
			if len(reason) > 50 {
				reason = reason[:47] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				dl.ID, dl.Topic, dl.RunID, dl.FailedAt.Format(time.RFC3339), reason)
		}
		w.Flush()
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay [id]",
	Short: "Replay a dead letter onto its original topic",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Println("Error: id must be an integer")
			os.Exit(1)
		}
		client := NewClient(viper.GetString("url"))

		if err := client.ReplayDeadLetter(id); err != nil {
			cmd.Printf("Error replaying dead letter: %s\n", err)
			os.Exit(1)
		}
		cmd.Printf("Dead letter %d replayed.\n", id)
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)

	dlqListCmd.Flags().IntP("limit", "l", 20, "Number of dead letters to list")
	dlqListCmd.Flags().Bool("all", false, "Include already replayed entries")
}
