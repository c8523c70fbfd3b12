package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - workload orchestrator for robot fleets",
	Long: `Drover dispatches workflow jobs across a fleet of robot workers.

The server owns the priority queue, the scheduler and the fleet's
health; robots connect over a persistent TCP session, execute jobs and
stream progress back. A single binary runs either side.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(robotCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)
}
