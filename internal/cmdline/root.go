// Package cmdline provides the swarmd CLI commands. No business logic
// lives here: every command builds its collaborators from config and
// delegates straight to internal/supervisor (or, for status/scale
// against an already-running instance, internal/control); stop sends
// SIGTERM to the PID in the pidfile.
// Grounded on the teacher's internal/cmd/root.go (package doc, thin
// Execute() wrapper, persistent config flag) and cmd/gt/main.go
// (main delegates entirely to cmd.Execute()).
package cmdline

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "swarmd",
	Short: "swarmd supervises a fleet of role-scoped agent daemons",
	Long: `swarmd runs a fixed-size pool of agent slots, promotes idle slots to
active work under admission control, recovers crashed slots with
backoff, and reports status — a single-process coordination core for
a swarm of executor-backed agents.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to swarm.toml (optional; env and defaults still apply)")
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, scaleCmd)
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
