package supervisor

import (
	"math"
	"time"

	"github.com/agentctl/swarm/internal/daemon"
	"github.com/agentctl/swarm/internal/ids"
)

// degradationWindow and degradationThreshold bound how many times a
// slot may restart before the supervisor gives up and leaves it
// crashed rather than looping forever (spec.md §4.E crash recovery).
const (
	degradationWindow    = 30 * time.Minute
	degradationThreshold = 5
	burstResetAfter      = 5 * time.Minute
	maxBackoff           = 300 * time.Second
)

// handleCrashLocked runs the crash-recovery policy for one slot. Must
// run on the loop goroutine (it mutates processEntry bookkeeping).
func (s *Supervisor) handleCrashLocked(agentID ids.AgentID, reason string) {
	pe, ok := s.processTable[agentID]
	if !ok {
		return
	}
	if pe.restartScheduled {
		return // a backoff timer for this slot is already pending
	}

	now := time.Now()
	if pe.restartCount == 0 || now.Sub(pe.stableSince) > burstResetAfter {
		pe.restartCount = 0
		pe.firstRestartAt = now
	}
	pe.restartCount++

	if pe.restartCount > degradationThreshold && now.Sub(pe.firstRestartAt) < degradationWindow {
		s.logger.Printf("event=slot_degraded agent=%s restarts=%d reason=%s", agentID, pe.restartCount, reason)
		return // leave the slot crashed; no further auto-restart attempts
	}

	backoff := time.Duration(math.Min(math.Pow(2, float64(pe.restartCount)), float64(maxBackoff/time.Second))) * time.Second
	s.logger.Printf("event=crash_recovery agent=%s restarts=%d backoff=%s reason=%s", agentID, pe.restartCount, backoff, reason)

	pe.restartScheduled = true
	time.AfterFunc(backoff, func() {
		s.do(func() { s.restartSlotLocked(agentID) })
	})
}

// restartSlotLocked replaces a crashed slot's Daemon with a fresh one in
// state idle, preserving the slot's index, workspace, and restart
// bookkeeping. Must run on the loop goroutine.
func (s *Supervisor) restartSlotLocked(agentID ids.AgentID) {
	pe, ok := s.processTable[agentID]
	if !ok {
		return
	}
	pe.restartScheduled = false // the pending timer has now fired
	if pe.daemon.State() != daemon.StateCrashed {
		return // recovered or torn down by some other path already
	}

	newID := ids.New()
	name := ids.Name(s.cfg.Role, pe.index)

	d := daemon.New(daemon.Config{
		AgentID:           newID,
		Name:              name,
		Role:              s.cfg.Role,
		ExecutorCommand:   s.cfg.ExecutorCommand,
		HeartbeatInterval: time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond,
	}, s.spawner, pe.workspace, func(ev daemon.Event) {
		s.events <- daemonEvent{agentID: newID, ev: ev}
	})

	delete(s.processTable, agentID)
	if s.health != nil {
		s.health.Unregister(agentID)
		s.health.Register(newID, 0)
	}

	pe.daemon = d
	pe.stableSince = time.Now()
	s.processTable[newID] = pe

	d.Start()
	s.logger.Printf("event=slot_restarted old_agent=%s new_agent=%s", agentID, newID)
}
