package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "screenctl",
	Short: "Operator CLI for the screening intake API",
	Long: `screenctl submits screening jobs to the intake API and inspects or revokes them.

The server defaults to SCREENING_API_URL, then http://localhost:8080.`,
	SilenceUsage: true,
}

func init() {
	def := os.Getenv("SCREENING_API_URL")
	if def == "" {
		def = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", def, "Intake API URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(auditCmd)
}
