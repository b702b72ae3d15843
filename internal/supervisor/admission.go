package supervisor

import (
	"context"
	"time"

	"github.com/agentctl/swarm/internal/daemon"
	"github.com/agentctl/swarm/internal/ids"
	"github.com/agentctl/swarm/internal/protocol"
	"github.com/agentctl/swarm/internal/quota"
)

// staleQueueEntry is how long a queued promotion request is allowed to
// wait before it's discarded as stale rather than admitted (spec.md
// §4.E: "lazy staleness discard" — checked only when a slot frees,
// never proactively swept).
const staleQueueEntry = 5 * time.Minute

// handleDaemonEvent runs on the loop goroutine for every event a Daemon
// emits. This is the single dispatch point tying the daemon, health,
// quota, and bus domains together.
func (s *Supervisor) handleDaemonEvent(de daemonEvent) {
	pe, ok := s.processTable[de.agentID]
	if !ok {
		return
	}
	ev := de.ev

	switch ev.Kind {
	case daemon.EventHeartbeat:
		if s.health != nil {
			s.health.Heartbeat(de.agentID)
		}

	case daemon.EventClaim:
		s.publishClaim(de.agentID, ev.Task)

	case daemon.EventPromoteRequest:
		s.admitOrQueue(de.agentID, ev.Task)

	case daemon.EventPromoted:
		if s.health != nil {
			s.health.UpdatePid(de.agentID, ev.Pid)
		}

	case daemon.EventDone:
		s.recordUsage(de.agentID, ev)
		s.publishTaskDone(de.agentID, ev.Task)

	case daemon.EventFail:
		if ev.Error == "" {
			// A normal non-zero exit, not a spawn/runtime error: still
			// accounted for and reported, but not routed to crash recovery.
			s.recordUsage(de.agentID, ev)
			s.publishTaskFail(de.agentID, ev.Task, "non-zero exit")
		}

	case daemon.EventDemoted:
		s.activeCount--
		s.stopTaskWatchdog(pe)
		pe.stableSince = time.Now()
		s.drainPromotionQueueLocked()

	case daemon.EventCrashed:
		s.activeCount--
		s.stopTaskWatchdog(pe)
		s.publishTaskFail(de.agentID, ev.Task, ev.Error)
		s.handleCrashLocked(de.agentID, ev.Error)

	case daemon.EventContractViolation:
		s.logger.Printf("event=contract_violation agent=%s reason=%s", de.agentID, ev.Reason)
	}
}

// admitOrQueue is the promotion admission controller (spec.md §4.E
// _handlePromoteRequest), evaluated in order:
//  1. If promotionsPaused, deny outright — a paused daemon never queues.
//  2. Else if activeCount >= maxActive, queue FIFO.
//  3. Else if the token budget is set and already spent, pause
//     promotions and deny with the budget reason.
//  4. Else approve.
func (s *Supervisor) admitOrQueue(agentID ids.AgentID, task protocol.Task) {
	pe, ok := s.processTable[agentID]
	if !ok {
		return
	}
	if s.promotionsPaused {
		if err := pe.daemon.DenyPromotion("promotions paused (budget/quota)"); err != nil {
			s.logger.Printf("event=deny_promotion_failed agent=%s error=%v", agentID, err)
		}
		return
	}
	if s.activeCount >= s.cfg.MaxActive {
		s.promotionQueue = append(s.promotionQueue, promotionRequest{agentID: agentID, task: task, queuedAt: time.Now()})
		return
	}
	if s.tokenBudgetExhaustedLocked() {
		s.promotionsPaused = true
		s.logger.Printf("event=promotions_paused reason=token_budget_exhausted")
		if err := pe.daemon.DenyPromotion("token budget exhausted"); err != nil {
			s.logger.Printf("event=deny_promotion_failed agent=%s error=%v", agentID, err)
		}
		return
	}
	s.approve(agentID, task)
}

// tokenBudgetExhaustedLocked implements spec.md §4.E step 3: admission-time
// check, independent of the quota probe's own reactive budget_exhausted
// event (which only fires when Record is called for a completed task).
func (s *Supervisor) tokenBudgetExhaustedLocked() bool {
	if s.quotaProb == nil || s.cfg.TokenBudget <= 0 {
		return false
	}
	return s.quotaProb.Total() >= s.cfg.TokenBudget
}

// approve counts the slot active as soon as admission is granted, not
// when the spawn succeeds: a spawn failure still drives the daemon
// through EventCrashed, which decrements activeCount symmetrically, so
// counting only on EventPromoted would let a failed spawn leak the slot
// as permanently "active" without ever restoring it.
func (s *Supervisor) approve(agentID ids.AgentID, task protocol.Task) {
	pe, ok := s.processTable[agentID]
	if !ok {
		return
	}
	s.activeCount++
	// The spawn context outlives this call: a context cancelled on return
	// would kill the executor it just started.
	if err := pe.daemon.ApprovePromotion(context.Background(), task); err != nil {
		s.logger.Printf("event=approve_promotion_failed agent=%s error=%v", agentID, err)
		return
	}
	s.startTaskWatchdog(agentID, pe)
}

// startTaskWatchdog arms the maxTaskDurationMs timer for a just-promoted
// slot (spec.md §5 "Cancellation and timeouts": an executor exceeding
// maxTaskDurationMs is terminated by the supervisor, and the daemon
// treats the termination as a normal exit with a failure result — which
// is exactly what ForceExit drives). A zero duration disables the
// watchdog.
func (s *Supervisor) startTaskWatchdog(agentID ids.AgentID, pe *processEntry) {
	if s.cfg.MaxTaskDurationMs <= 0 {
		return
	}
	d := time.Duration(s.cfg.MaxTaskDurationMs) * time.Millisecond
	pe.taskTimer = time.AfterFunc(d, func() {
		s.do(func() {
			if pe.daemon.State() != daemon.StateActive {
				return // already exited by the time the watchdog fired
			}
			s.logger.Printf("event=task_watchdog_fired agent=%s timeout=%s", agentID, d)
			pe.daemon.ForceExit()
		})
	})
}

// stopTaskWatchdog disarms a slot's watchdog timer, if any. Called
// whenever the slot leaves state active (demoted or crashed), whether
// the watchdog itself fired or the task finished on its own.
func (s *Supervisor) stopTaskWatchdog(pe *processEntry) {
	if pe.taskTimer != nil {
		pe.taskTimer.Stop()
		pe.taskTimer = nil
	}
}

// drainPromotionQueueLocked admits as many queued requests as there is
// room for, discarding entries whose daemon is no longer in state
// promoting (it may have been reassigned, demoted, or crashed while
// queued) or that have aged past staleQueueEntry.
func (s *Supervisor) drainPromotionQueueLocked() {
	if s.promotionsPaused {
		return
	}
	var remaining []promotionRequest
	now := time.Now()
	for _, req := range s.promotionQueue {
		if s.activeCount >= s.cfg.MaxActive {
			remaining = append(remaining, req)
			continue
		}
		pe, ok := s.processTable[req.agentID]
		if !ok || pe.daemon.State() != daemon.StatePromoting {
			continue // stale: agent moved on while queued
		}
		if now.Sub(req.queuedAt) > staleQueueEntry {
			_ = pe.daemon.DenyPromotion("promotion request expired in queue")
			continue
		}
		s.approve(req.agentID, req.task)
	}
	s.promotionQueue = remaining
}

// recordUsage accounts one completed task. The daemon's Done/Fail events
// don't carry a reported token count or elapsed duration, so reported
// and duration mode probes will record zero here; output mode still
// works off the tail the daemon retains in ev.Chunk. A richer completion
// record (token counts from the executor's own output) is future work.
func (s *Supervisor) recordUsage(agentID ids.AgentID, ev daemon.Event) {
	if s.quotaProb == nil {
		return
	}
	events := s.quotaProb.Record(quota.Usage{AgentID: agentID, Output: ev.Chunk})
	for _, qe := range events {
		switch qe.Kind {
		case quota.EventBudgetWarning:
			s.logger.Printf("event=budget_warning total=%d utilization=%.1f%%", qe.Total, qe.UtilizationPct)
		case quota.EventBudgetExhausted:
			s.logger.Printf("event=budget_exhausted total=%d", qe.Total)
			s.promotionsPaused = true
		}
	}
}
