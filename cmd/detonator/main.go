// Command detonator is the operator CLI fronting the Analysis
// Orchestrator: it serves the HTTP API, submits samples, polls tasks
// and results, attaches an operator console to a VM, and runs the
// leaked-resource reconciler. Subcommand wiring follows the teacher's
// cobra convention (one file per subcommand, rootCmd.AddCommand in
// init); unlike the teacher's matchlock binary, rootCmd is declared
// here rather than left implicit.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, per spec.md §6: 0 success, 2 config error, 3 runtime error.
const (
	exitOK         = 0
	exitConfigErr  = 2
	exitRuntimeErr = 3
)

var rootCmd = &cobra.Command{
	Use:   "detonator",
	Short: "Malware analysis sandbox orchestrator",
	Long:  "detonator drives suspect samples through a pool of virtual machines, collects behavioral and endpoint-agent telemetry, and reports detection results.",
}

func init() {
	rootCmd.PersistentFlags().String("config", "detonator.yaml", "path to the YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to spec.md §6's exit code contract. A
// *configError marks a config-load/validation failure (exit 2);
// everything else is a runtime error (exit 3).
func exitCodeFor(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return exitConfigErr
	}
	return exitRuntimeErr
}

type configError struct{ err error }

func (c *configError) Error() string { return c.err.Error() }
func (c *configError) Unwrap() error { return c.err }

func wrapConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}
