package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mylo-james/myloware/internal/domain"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a pipeline run",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewClient(viper.GetString("url"))

		pipeline, _ := cmd.Flags().GetString("pipeline")
		payload, _ := cmd.Flags().GetString("payload")
		specFile, _ := cmd.Flags().GetString("spec")

		req := &domain.StartRunRequest{Pipeline: pipeline}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				cmd.Println("Error: --payload must be valid JSON")
				os.Exit(1)
			}
			req.Payload = json.RawMessage(payload)
		}
		if specFile != "" {
			data, err := os.ReadFile(specFile)
			if err != nil {
				cmd.Printf("Error reading spec file: %s\n", err)
				os.Exit(1)
			}
			var spec domain.PipelineSpec
			if err := json.Unmarshal(data, &spec); err != nil {
				cmd.Printf("Error parsing spec file: %s\n", err)
				os.Exit(1)
			}
			req.Spec = &spec
		}

		resp, err := client.StartRun(req)
		if err != nil {
			cmd.Printf("Error starting run: %s\n", err)
			os.Exit(1)
		}
		cmd.Printf("Run started: %s\n", resp.RunID)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("pipeline", "p", "", "Registered pipeline name")
	startCmd.Flags().String("spec", "", "Path to an inline pipeline spec (JSON)")
	startCmd.Flags().String("payload", "", "Run payload (JSON)")
}
