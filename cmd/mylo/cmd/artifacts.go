package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts [run_id]",
	Short: "List a run's artifact ledger in append order",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		afterSeq, _ := cmd.Flags().GetInt64("after-seq")
		artifacts, err := client.GetArtifacts(args[0], afterSeq)
		if err != nil {
			cmd.Printf("Error fetching artifacts: %s\n", err)
			os.Exit(1)
		}

		if len(artifacts) == 0 {
			cmd.Println("No artifacts.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tPRODUCER\tAT\tPAYLOAD")
		for _, a := range artifacts {
			payload := string(a.Payload)
			if len(payload) > 60 {
				payload = payload[:57] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				a.Seq, a.Type, a.Producer, a.CreatedAt.Format(time.RFC3339), payload)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(artifactsCmd)

	artifactsCmd.Flags().Int64("after-seq", 0, "Only artifacts after this sequence number")
}
