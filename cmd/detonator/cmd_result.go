package main

import (
	"github.com/spf13/cobra"
)

var resultCmd = &cobra.Command{
	Use:   "result <taskId>",
	Short: "Print a task's summary, alerts, and events",
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

func init() {
	serverFlags(resultCmd)
	rootCmd.AddCommand(resultCmd)
}

func runResult(cmd *cobra.Command, args []string) error {
	return getAndPrint(cmd, "/api/result/"+args[0])
}
