package cmdline

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentctl/swarm/internal/config"
	"github.com/agentctl/swarm/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print the running supervisor's last published snapshot",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	doc, ok := control.ReadStatus(control.Dir(cfg.Pidfile))
	if !ok {
		fmt.Println("no status available (not running, or just started)")
		return nil
	}
	fmt.Println(doc)
	return nil
}
