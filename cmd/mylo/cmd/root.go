package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mylo",
	Short: "Mylo is a command line tool for the content pipeline orchestrator",
	Long: `mylo drives and inspects content-production pipeline runs.

A run walks an ordered list of persona stages (ideation, scripting,
rendering, publishing); stages submit jobs to external providers and the
run suspends until the provider calls back. Approval gates pause a run
until a human decides.

Common workflows:

  Start a run from a registered pipeline:
    mylo start --pipeline shorts --payload '{"topic": "deep sea"}'

  Check run status:
    mylo status <run-id>

  Inspect the artifact ledger:
    mylo artifacts <run-id>

  Decide an open gate with its approval token:
    mylo approve <token> --decision approve

  Inspect and replay undelivered events:
    mylo dlq list
    mylo dlq replay <id>

Configuration:
  Set the orchestrator endpoint via environment variable or config file:
    MYLO_URL    API endpoint (default: http://localhost:8080)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".mylo")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MYLO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mylo.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "Orchestrator URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
