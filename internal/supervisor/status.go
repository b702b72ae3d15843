package supervisor

import (
	"sort"
	"time"

	"github.com/agentctl/swarm/internal/config"
	"github.com/agentctl/swarm/internal/daemon"
	"github.com/agentctl/swarm/internal/ids"
	"github.com/agentctl/swarm/internal/protocol"
)

// SlotStatus is one process-table slot's snapshot.
type SlotStatus struct {
	AgentID     ids.AgentID
	Name        string
	Role        string
	State       daemon.State
	CurrentTask *protocol.Task
}

// Status is the supervisor-wide snapshot spec.md §4.E calls for.
type Status struct {
	Uptime           time.Duration
	Count            int
	ActiveCount      int
	MaxActive        int
	PromotionsPaused bool
	QueueDepth       int
	TokensUsed       int
	Slots            []SlotStatus
}

// Snapshot returns the current supervisor-wide status.
func (s *Supervisor) Snapshot() Status {
	if !s.isRunning() {
		return Status{}
	}
	var st Status
	s.do(func() {
		st = Status{
			Uptime:           time.Since(s.startedAt),
			Count:            len(s.processTable),
			ActiveCount:      s.activeCount,
			MaxActive:        s.cfg.MaxActive,
			PromotionsPaused: s.promotionsPaused,
			QueueDepth:       len(s.promotionQueue),
		}
		if s.quotaProb != nil {
			st.TokensUsed = s.quotaProb.Total()
		}
		for _, pe := range s.processTable {
			info := pe.daemon.Info()
			st.Slots = append(st.Slots, SlotStatus{
				AgentID:     info.AgentID,
				Name:        info.Name,
				Role:        info.Role,
				State:       info.State,
				CurrentTask: info.CurrentTask,
			})
		}
	})
	sort.Slice(st.Slots, func(i, j int) bool { return st.Slots[i].Name < st.Slots[j].Name })
	return st
}

// Scale adjusts the fleet toward target slots. Scaling up spawns fresh
// idle daemons; scaling down removes idle slots only, preferring the
// longest-idle ones first, so in-flight work is never interrupted. If
// fewer than (count-target) slots are idle, scale-down is partial and
// the remainder is left running — spec.md §4.E leaves active work
// untouched rather than forcing it out.
func (s *Supervisor) Scale(target int) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	if target < 0 {
		target = 0
	}
	s.do(func() {
		current := len(s.processTable)
		switch {
		case target > current:
			for i := 0; i < target-current; i++ {
				s.spawnDaemonLocked()
			}
		case target < current:
			s.scaleDownLocked(current - target)
		}
	})
	return nil
}

// scaleDownLocked removes up to n idle slots, oldest-idle first. Must
// run on the loop goroutine.
func (s *Supervisor) scaleDownLocked(n int) {
	type candidate struct {
		agentID ids.AgentID
		since   time.Time
	}
	var idle []candidate
	for id, pe := range s.processTable {
		if pe.daemon.State() == daemon.StateIdle {
			idle = append(idle, candidate{agentID: id, since: pe.stableSince})
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].since.Before(idle[j].since) })

	if n > len(idle) {
		n = len(idle)
	}
	for i := 0; i < n; i++ {
		id := idle[i].agentID
		pe := s.processTable[id]
		pe.daemon.Stop()
		if pe.workspace != nil {
			_ = pe.workspace.Teardown()
		}
		if s.health != nil {
			s.health.Unregister(id)
		}
		delete(s.processTable, id)
	}
}

// ReloadConfig applies a new Config's mutable fields (maxActive, role,
// channels, tokenBudget, heartbeatIntervalMs, maxTaskDurationMs) without
// restarting existing daemons; count changes must go through Scale.
func (s *Supervisor) ReloadConfig(next config.Config) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	s.do(func() {
		s.cfg.MaxActive = next.MaxActive
		s.cfg.Role = next.Role
		s.cfg.Channels = next.Channels
		s.cfg.HeartbeatIntervalMs = next.HeartbeatIntervalMs
		s.cfg.MaxTaskDurationMs = next.MaxTaskDurationMs
		s.cfg.ExecutorCommand = next.ExecutorCommand
		if s.quotaProb != nil && next.TokenBudget != s.cfg.TokenBudget {
			s.quotaProb.SetBudget(next.TokenBudget)
			if next.TokenBudget > s.quotaProb.Total() {
				s.promotionsPaused = false
			}
		}
		s.cfg.TokenBudget = next.TokenBudget
		s.drainPromotionQueueLocked()
	})
	return nil
}
