package cmdline

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentctl/swarm/internal/bus"
	"github.com/agentctl/swarm/internal/config"
	"github.com/agentctl/swarm/internal/control"
	"github.com/agentctl/swarm/internal/daemon"
	"github.com/agentctl/swarm/internal/health"
	"github.com/agentctl/swarm/internal/quota"
	"github.com/agentctl/swarm/internal/supervisor"
	"github.com/agentctl/swarm/internal/workspace"
)

var (
	flagCount       int
	flagMaxActive   int
	flagRole        string
	flagTokenBudget int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the supervisor in the foreground",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().IntVar(&flagCount, "count", 0, "fleet size (0 = use config)")
	startCmd.Flags().IntVar(&flagMaxActive, "max-active", 0, "max concurrently active slots (0 = use config)")
	startCmd.Flags().StringVar(&flagRole, "role", "", "default daemon role (empty = use config)")
	startCmd.Flags().IntVar(&flagTokenBudget, "token-budget", 0, "token budget (0 = use config)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagCount != 0 {
		cfg.Count = flagCount
	}
	if flagMaxActive != 0 {
		cfg.MaxActive = flagMaxActive
	}
	if flagRole != "" {
		cfg.Role = flagRole
	}
	if flagTokenBudget != 0 {
		cfg.TokenBudget = flagTokenBudget
	}

	hub := bus.NewHub()
	wsFactory := workspace.NewLocalFactory(filepath.Join(cfg.LogDir, "workspaces"))
	spawner := daemon.ExecSpawner{}

	hcfg := health.DefaultConfig()
	hcfg.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	monitor := health.NewMonitor(hcfg)

	qcfg := quota.DefaultConfig()
	qcfg.Budget = cfg.TokenBudget
	probe, err := quota.NewProbe(qcfg)
	if err != nil {
		return fmt.Errorf("building quota probe: %w", err)
	}

	sup := supervisor.New(cfg, hub.NewEndpoint(), wsFactory, spawner,
		supervisor.WithHealthMonitor(monitor),
		supervisor.WithQuotaProbe(probe),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	writer := control.NewWriter(control.Dir(cfg.Pidfile), sup, time.Second)
	go writer.Run()

	<-ctx.Done()
	writer.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutMs)*time.Millisecond+5*time.Second)
	defer stopCancel()
	return sup.Stop(stopCtx)
}
