// Package main provides the coach_engine CLI: the queue worker and operator
// commands for the meeting-coaching run engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "coach_engine",
	Short:         "Meeting coaching run engine",
	Long:          "coach_engine turns meeting transcripts into validated coaching runs, builds baseline packs and tracks micro-experiments.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON config file (environment variables fill unset keys)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
