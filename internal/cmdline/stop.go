package cmdline

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentctl/swarm/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "signal a running supervisor to shut down",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	b, err := os.ReadFile(cfg.Pidfile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("not running")
			return nil
		}
		return fmt.Errorf("reading pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parsing pidfile %s: %w", cfg.Pidfile, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}
