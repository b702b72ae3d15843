package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentctl/swarm/internal/bus"
	"github.com/agentctl/swarm/internal/config"
	"github.com/agentctl/swarm/internal/daemon"
	"github.com/agentctl/swarm/internal/health"
	"github.com/agentctl/swarm/internal/ids"
	"github.com/agentctl/swarm/internal/protocol"
	"github.com/agentctl/swarm/internal/quota"
	"github.com/agentctl/swarm/internal/workspace"
)

type fakeHandle struct {
	pid    int
	out    chan daemon.OutputChunk
	result daemon.ExitResult
	once   sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, out: make(chan daemon.OutputChunk, 4)}
}

func (f *fakeHandle) Pid() int                          { return f.pid }
func (f *fakeHandle) Output() <-chan daemon.OutputChunk { return f.out }
func (f *fakeHandle) Wait() daemon.ExitResult           { return f.result }
func (f *fakeHandle) Kill() error                       { f.once.Do(func() { close(f.out) }); return nil }
func (f *fakeHandle) finish(r daemon.ExitResult)        { f.result = r; f.once.Do(func() { close(f.out) }) }

type fakeSpawner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	nextPid int
	err     error
}

func (s *fakeSpawner) Spawn(ctx context.Context, cfg daemon.SpawnConfig) (daemon.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPid++
	h := newFakeHandle(s.nextPid)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSpawner) last() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[len(s.handles)-1]
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Count = 2
	cfg.MaxActive = 5
	cfg.Role = "builder"
	cfg.Channels = []string{"#agents"}
	cfg.HeartbeatIntervalMs = 20
	cfg.Pidfile = filepath.Join(dir, "swarm.pid")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.ExecutorCommand = []string{"agent-cli"}
	return cfg
}

func newTestSupervisor(t *testing.T, cfg config.Config, spawner *fakeSpawner, opts ...Option) (*Supervisor, *bus.Hub) {
	t.Helper()
	hub := bus.NewHub()
	wsFactory := workspace.NewLocalFactory(t.TempDir())
	sup := New(cfg, hub.NewEndpoint(), wsFactory, spawner, opts...)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	return sup, hub
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStartSpawnsConfiguredFleet(t *testing.T) {
	cfg := testConfig(t)
	sup, _ := newTestSupervisor(t, cfg, &fakeSpawner{})

	snap := sup.Snapshot()
	if snap.Count != 2 {
		t.Fatalf("count = %d, want 2", snap.Count)
	}
	for _, slot := range snap.Slots {
		if slot.State != daemon.StateIdle {
			t.Fatalf("slot %s state = %v, want idle", slot.AgentID, slot.State)
		}
	}
}

func TestAssignTaskPromotesAndCompletesPublishesTaskDone(t *testing.T) {
	cfg := testConfig(t)
	spawner := &fakeSpawner{}
	sup, hub := newTestSupervisor(t, cfg, spawner)

	observer := hub.NewEndpoint()
	if _, err := observer.Connect(context.Background()); err != nil {
		t.Fatalf("observer connect: %v", err)
	}
	if err := observer.Join(primaryChannel); err != nil {
		t.Fatalf("observer join: %v", err)
	}
	var mu sync.Mutex
	var seenDone bool
	observer.OnMessage(func(msg bus.Message) {
		dec, err := protocol.Decode(msg.Content)
		if err == nil && dec.Type == protocol.TypeTaskDone {
			mu.Lock()
			seenDone = true
			mu.Unlock()
		}
	})

	snap := sup.Snapshot()
	target := snap.Slots[0].AgentID

	if err := sup.AssignTask(target, protocol.Task{Role: "builder", ID: "t1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == target && slot.State == daemon.StateActive {
				return true
			}
		}
		return false
	})

	spawner.last().finish(daemon.ExitResult{Code: 0})

	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == target && slot.State == daemon.StateIdle {
				return true
			}
		}
		return false
	})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seenDone
	})
}

func TestPromotionQueuedWhenAtMaxActive(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxActive = 1
	spawner := &fakeSpawner{}
	sup, _ := newTestSupervisor(t, cfg, spawner)

	snap := sup.Snapshot()
	a, b := snap.Slots[0].AgentID, snap.Slots[1].AgentID

	if err := sup.AssignTask(a, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == a && slot.State == daemon.StateActive {
				return true
			}
		}
		return false
	})

	if err := sup.AssignTask(b, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign b: %v", err)
	}
	waitFor(t, time.Second, func() bool { return sup.Snapshot().QueueDepth == 1 })

	for _, slot := range sup.Snapshot().Slots {
		if slot.AgentID == b && slot.State == daemon.StateActive {
			t.Fatal("second agent should still be queued, not active")
		}
	}

	spawner.last().finish(daemon.ExitResult{Code: 0})

	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == b && slot.State == daemon.StateActive {
				return true
			}
		}
		return false
	})
}

func TestScaleUpAndDown(t *testing.T) {
	cfg := testConfig(t)
	sup, _ := newTestSupervisor(t, cfg, &fakeSpawner{})

	if err := sup.Scale(4); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if n := sup.Snapshot().Count; n != 4 {
		t.Fatalf("count = %d, want 4", n)
	}

	if err := sup.Scale(1); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if n := sup.Snapshot().Count; n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestScaleDownNeverRemovesActiveSlot(t *testing.T) {
	cfg := testConfig(t)
	spawner := &fakeSpawner{}
	sup, _ := newTestSupervisor(t, cfg, spawner)

	snap := sup.Snapshot()
	active := snap.Slots[0].AgentID
	if err := sup.AssignTask(active, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == active && slot.State == daemon.StateActive {
				return true
			}
		}
		return false
	})

	if err := sup.Scale(0); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	found := false
	for _, slot := range sup.Snapshot().Slots {
		if slot.AgentID == active {
			found = true
		}
	}
	if !found {
		t.Fatal("active slot was removed by scale-down")
	}
}

func TestCrashRecoveryRestartsSlotAfterBackoff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Count = 1
	spawner := &fakeSpawner{err: context.DeadlineExceeded}
	sup, _ := newTestSupervisor(t, cfg, spawner)

	snap := sup.Snapshot()
	original := snap.Slots[0].AgentID
	if err := sup.AssignTask(original, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == original && slot.State == daemon.StateCrashed {
				return true
			}
		}
		return false
	})

	spawner.mu.Lock()
	spawner.err = nil
	spawner.mu.Unlock()

	// restartCount 1 -> 2s backoff.
	waitFor(t, 4*time.Second, func() bool {
		snap := sup.Snapshot()
		if snap.Count != 1 {
			return false
		}
		return snap.Slots[0].AgentID != original && snap.Slots[0].State == daemon.StateIdle
	})
}

func TestQuotaExhaustionPausesPromotions(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxActive = 1
	probe, err := quota.NewProbe(quota.Config{Mode: quota.ModeReported, Budget: 10, WarningThreshold: 0.8})
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	spawner := &fakeSpawner{}
	sup, _ := newTestSupervisor(t, cfg, spawner, WithQuotaProbe(probe))

	snap := sup.Snapshot()
	a := snap.Slots[0].AgentID
	if err := sup.AssignTask(a, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == a && slot.State == daemon.StateActive {
				return true
			}
		}
		return false
	})

	probe.Record(quota.Usage{AgentID: a, Tokens: 20})

	waitFor(t, time.Second, func() bool { return sup.Snapshot().PromotionsPaused })
}

// TestPromotionsPausedDeniesRatherThanQueues covers spec.md S2's worked
// example literally: once promotionsPaused is set, a subsequent ASSIGN
// must deny with a reason containing "budget", not join the queue and
// leave the daemon stuck in promoting forever.
func TestPromotionsPausedDeniesRatherThanQueues(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxActive = 5
	probe, err := quota.NewProbe(quota.Config{Mode: quota.ModeReported, Budget: 10, WarningThreshold: 0.8})
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	spawner := &fakeSpawner{}
	sup, _ := newTestSupervisor(t, cfg, spawner, WithQuotaProbe(probe))

	snap := sup.Snapshot()
	a, b := snap.Slots[0].AgentID, snap.Slots[1].AgentID

	if err := sup.AssignTask(a, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == a && slot.State == daemon.StateActive {
				return true
			}
		}
		return false
	})

	probe.Record(quota.Usage{AgentID: a, Tokens: 20})
	waitFor(t, time.Second, func() bool { return sup.Snapshot().PromotionsPaused })

	if err := sup.AssignTask(b, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign b: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == b && slot.State == daemon.StateIdle {
				return true
			}
		}
		return false
	})
	if depth := sup.Snapshot().QueueDepth; depth != 0 {
		t.Fatalf("queue depth = %d, want 0 (denied, not queued)", depth)
	}
}

// TestTokenBudgetExhaustedAtAdmissionDenies covers spec.md §4.E step 3:
// the admission-time tokenBudget check, independent of the quota
// probe's own reactive budget_exhausted event.
func TestTokenBudgetExhaustedAtAdmissionDenies(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxActive = 5
	cfg.TokenBudget = 10
	probe, err := quota.NewProbe(quota.Config{Mode: quota.ModeReported, Budget: 1_000_000})
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	probe.Record(quota.Usage{AgentID: ids.AgentID("seed"), Tokens: 10})

	spawner := &fakeSpawner{}
	sup, _ := newTestSupervisor(t, cfg, spawner, WithQuotaProbe(probe))

	snap := sup.Snapshot()
	a := snap.Slots[0].AgentID
	if err := sup.AssignTask(a, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == a && slot.State == daemon.StateIdle {
				return true
			}
		}
		return false
	})
	if !sup.Snapshot().PromotionsPaused {
		t.Fatal("promotionsPaused should be set once the admission-time check finds the budget spent")
	}
}

// TestCrashGuardPreventsDoubleScheduling covers spec.md §4.E step 2: a
// second crash signal for a slot whose backoff timer is already pending
// must not bump restartCount again.
func TestCrashGuardPreventsDoubleScheduling(t *testing.T) {
	cfg := testConfig(t)
	cfg.Count = 1
	spawner := &fakeSpawner{err: context.DeadlineExceeded}
	sup, _ := newTestSupervisor(t, cfg, spawner)

	snap := sup.Snapshot()
	original := snap.Slots[0].AgentID
	if err := sup.AssignTask(original, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == original && slot.State == daemon.StateCrashed {
				return true
			}
		}
		return false
	})

	var restartCount int
	sup.do(func() {
		restartCount = sup.processTable[original].restartCount
	})
	if restartCount != 1 {
		t.Fatalf("restartCount = %d, want 1", restartCount)
	}

	// A second crash signal for the same slot, arriving while its
	// backoff timer is still pending, must be a no-op.
	sup.do(func() {
		sup.handleCrashLocked(original, "duplicate signal")
	})
	sup.do(func() {
		restartCount = sup.processTable[original].restartCount
	})
	if restartCount != 1 {
		t.Fatalf("restartCount after duplicate crash = %d, want 1 (guard should have short-circuited)", restartCount)
	}
}

// TestTaskWatchdogForcesExitAfterMaxDuration covers spec.md §5: an
// executor exceeding maxTaskDurationMs is terminated by the supervisor
// and the daemon treats it as a normal (non-crash) exit.
func TestTaskWatchdogForcesExitAfterMaxDuration(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxTaskDurationMs = 20
	spawner := &fakeSpawner{}
	sup, _ := newTestSupervisor(t, cfg, spawner)

	snap := sup.Snapshot()
	a := snap.Slots[0].AgentID
	if err := sup.AssignTask(a, protocol.Task{Role: "builder"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == a && slot.State == daemon.StateActive {
				return true
			}
		}
		return false
	})

	waitFor(t, time.Second, func() bool {
		for _, slot := range sup.Snapshot().Slots {
			if slot.AgentID == a && slot.State == daemon.StateIdle {
				return true
			}
		}
		return false
	})
}

func TestHealthMonitorTracksHeartbeats(t *testing.T) {
	cfg := testConfig(t)
	monitor := health.NewMonitor(health.Config{HeartbeatInterval: 10 * time.Millisecond, MissThreshold: 3})
	sup, _ := newTestSupervisor(t, cfg, &fakeSpawner{}, WithHealthMonitor(monitor))

	snap := sup.Snapshot()
	agentID := snap.Slots[0].AgentID

	waitFor(t, time.Second, func() bool {
		rec, ok := monitor.HealthStatus(agentID)
		return ok && rec.Status == health.StatusAlive
	})
}
