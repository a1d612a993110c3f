// Package main is the entry point for the mylo CLI, the terminal tool for
// driving and inspecting pipeline runs on the orchestrator.
package main

import (
	"os"

	"github.com/mylo-james/myloware/cmd/mylo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
