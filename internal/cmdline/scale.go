package cmdline

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentctl/swarm/internal/config"
	"github.com/agentctl/swarm/internal/control"
)

var scaleCmd = &cobra.Command{
	Use:   "scale <n>",
	Short: "request a running supervisor to scale to n slots",
	Args:  cobra.ExactArgs(1),
	RunE:  runScale,
}

func runScale(cmd *cobra.Command, args []string) error {
	target, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", args[0], err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := control.RequestScale(control.Dir(cfg.Pidfile), target); err != nil {
		return fmt.Errorf("requesting scale: %w", err)
	}
	fmt.Printf("requested scale to %d (applied on the running instance's next poll)\n", target)
	return nil
}
