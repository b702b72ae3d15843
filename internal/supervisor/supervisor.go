// Package supervisor composes the message bus, health monitor, quota
// probe, and daemon state machines into the coordination core: the
// process table, the promotion admission controller, crash recovery
// with backoff, scale-up/scale-down, config reload, and bus routing.
//
// All mutations to the process table, promotion queue, activeCount,
// promotionsPaused, and tokensUsed happen on a single loop goroutine —
// grounded on the teacher's event-loop idiom of serializing mutation
// through one goroutine rather than guarding every field with its own
// mutex. Daemon event callbacks (heartbeat ticks, bus messages, executor
// exits) arrive on arbitrary goroutines and are handed to the loop over
// a channel rather than invoked synchronously, so a daemon emitting an
// event from inside a supervisor-issued call never reenters the loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/agentctl/swarm/internal/bus"
	"github.com/agentctl/swarm/internal/config"
	"github.com/agentctl/swarm/internal/daemon"
	"github.com/agentctl/swarm/internal/health"
	"github.com/agentctl/swarm/internal/ids"
	"github.com/agentctl/swarm/internal/protocol"
	"github.com/agentctl/swarm/internal/quota"
	"github.com/agentctl/swarm/internal/workspace"
	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned by Start when the pidfile names a live
// supervisor process.
var ErrAlreadyRunning = errors.New("supervisor: already running")

// ErrNotRunning is returned by methods that require a running supervisor.
var ErrNotRunning = errors.New("supervisor: not running")

// promotionRequest is one FIFO entry in the promotion admission queue.
type promotionRequest struct {
	agentID  ids.AgentID
	task     protocol.Task
	queuedAt time.Time
}

// processEntry is one process-table slot.
type processEntry struct {
	daemon    *daemon.Daemon
	workspace workspace.Workspace
	index     int

	restartCount     int
	firstRestartAt   time.Time
	stableSince      time.Time
	restartScheduled bool // guards against double-scheduling during backoff

	taskTimer *time.Timer // maxTaskDurationMs watchdog for the in-flight task, if any
}

// daemonEvent pairs a Daemon's emitted Event with the slot it came from,
// queued onto the loop goroutine.
type daemonEvent struct {
	agentID ids.AgentID
	ev      daemon.Event
}

// Supervisor composes daemons with the health monitor, quota probe, and
// bus; arbitrates promotions; recovers from crashes.
type Supervisor struct {
	cfg       config.Config
	bus       bus.Bus
	health    *health.Monitor
	quotaProb *quota.Probe
	wsFactory workspace.Factory
	spawner   daemon.Spawner
	logger    *log.Logger

	cmds   chan cmd
	events chan daemonEvent
	quit   chan struct{}

	mu      sync.Mutex // guards only `running`, checked from outside the loop
	running bool

	// Everything below is touched only on the loop goroutine.
	processTable     map[ids.AgentID]*processEntry
	promotionQueue   []promotionRequest
	activeCount      int
	promotionsPaused bool
	nextIndex        int
	startedAt        time.Time
	pidLock          *flock.Flock
	tickerStop       chan struct{} // stops the health-check goroutine
}

type cmd struct {
	fn   func()
	done chan struct{}
}

// Option configures optional collaborators.
type Option func(*Supervisor)

// WithHealthMonitor attaches a health monitor. Without one, heartbeat
// tracking and resource alerts are disabled.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(s *Supervisor) { s.health = m }
}

// WithQuotaProbe attaches a quota probe for token accounting.
func WithQuotaProbe(p *quota.Probe) Option {
	return func(s *Supervisor) { s.quotaProb = p }
}

// WithLogger overrides the default stdlib logger (teacher idiom:
// log.New(file, "", log.LstdFlags), see internal/daemon/daemon.go).
func WithLogger(l *log.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New constructs a Supervisor. bus, wsFactory, and spawner are required
// collaborators; health and quota are optional via With* options.
func New(cfg config.Config, b bus.Bus, wsFactory workspace.Factory, spawner daemon.Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		bus:          b,
		wsFactory:    wsFactory,
		spawner:      spawner,
		logger:       log.New(os.Stderr, "", log.LstdFlags),
		cmds:         make(chan cmd),
		events:       make(chan daemonEvent, 4096),
		quit:         make(chan struct{}),
		processTable: make(map[ids.AgentID]*processEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// do runs fn serialized on the loop goroutine and blocks until it
// finishes. Never call this from inside a daemon event sink or from a
// function already executing on the loop goroutine — both would
// deadlock, since the loop can't service a nested command while blocked
// waiting for it.
func (s *Supervisor) do(fn func()) {
	done := make(chan struct{})
	s.cmds <- cmd{fn: fn, done: done}
	<-done
}

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start acquires the pidfile, creates the log directory, connects the
// bus, spawns the configured fleet, and starts the health-check loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.isRunning() {
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Pidfile), 0o755); err != nil {
		return fmt.Errorf("supervisor: creating pidfile directory: %w", err)
	}
	lock := flock.New(s.cfg.Pidfile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("supervisor: acquiring pidfile lock: %w", err)
	}
	if !locked {
		if live, pid := pidfileNamesLiveProcess(s.cfg.Pidfile); live {
			return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
		}
		s.logger.Printf("event=stale_pidfile path=%s", s.cfg.Pidfile)
		if locked, err = lock.TryLock(); err != nil || !locked {
			return fmt.Errorf("supervisor: re-acquiring pidfile lock: %w", err)
		}
	}
	if err := os.WriteFile(s.cfg.Pidfile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = lock.Unlock()
		return fmt.Errorf("supervisor: writing pidfile: %w", err)
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		_ = lock.Unlock()
		return fmt.Errorf("supervisor: creating log directory: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.pidLock = lock
	s.startedAt = time.Now()

	go s.loop()

	s.connectBus()

	s.do(func() {
		for i := 0; i < s.cfg.Count; i++ {
			s.spawnDaemonLocked()
		}
	})

	if s.health != nil {
		s.startHealthLoop()
	}

	s.logger.Printf("event=started count=%d", s.cfg.Count)
	return nil
}

// Stop tears down every daemon, disconnects the bus, releases the
// pidfile, and shuts the loop goroutine down. Each daemon's Stop kills
// its running executor at once; Stop then waits up to shutdownTimeoutMs
// for every slot to reach idle or crashed, and calls ForceExit on any
// slot still active after that.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.isRunning() {
		return ErrNotRunning
	}

	if s.tickerStop != nil {
		close(s.tickerStop)
	}

	s.do(func() {
		for _, pe := range s.processTable {
			pe.daemon.Stop()
		}
	})

	timeout := time.Duration(s.cfg.ShutdownTimeoutMs) * time.Millisecond
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.allIdleOrCrashed() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.do(func() {
		for _, pe := range s.processTable {
			if pe.daemon.State() == daemon.StateActive {
				pe.daemon.ForceExit()
			}
		}
	})

	if s.bus != nil {
		_ = s.bus.Disconnect(ctx)
	}

	if s.pidLock != nil {
		_ = s.pidLock.Unlock()
		_ = os.Remove(s.cfg.Pidfile)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	close(s.quit)

	s.logger.Printf("event=stopped")
	return nil
}

func (s *Supervisor) allIdleOrCrashed() bool {
	done := make(chan bool, 1)
	s.do(func() {
		ok := true
		for _, pe := range s.processTable {
			st := pe.daemon.State()
			if st != daemon.StateIdle && st != daemon.StateCrashed {
				ok = false
				break
			}
		}
		done <- ok
	})
	return <-done
}

// loop is the supervisor's single-writer command and event processor.
func (s *Supervisor) loop() {
	for {
		select {
		case c := <-s.cmds:
			c.fn()
			close(c.done)
		case de := <-s.events:
			s.handleDaemonEvent(de)
		case <-s.quit:
			// Drain anything already queued so late-arriving events from
			// in-flight goroutines don't block on a full channel.
			for {
				select {
				case de := <-s.events:
					s.handleDaemonEvent(de)
				default:
					return
				}
			}
		}
	}
}

func (s *Supervisor) connectBus() {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.bus.Connect(ctx); err != nil {
		s.logger.Printf("event=bus_connect_failed error=%v", err)
		return
	}
	for _, ch := range s.cfg.Channels {
		if err := s.bus.Join(ch); err != nil {
			s.logger.Printf("event=bus_join_failed channel=%s error=%v", ch, err)
		}
	}
	s.bus.OnMessage(s.onBusMessage)
	s.bus.OnDisconnect(func(err error) {
		s.logger.Printf("event=bus_disconnected error=%v", err)
	})
	s.bus.OnError(func(err error) {
		s.logger.Printf("event=bus_error error=%v", err)
	})
}

func (s *Supervisor) startHealthLoop() {
	interval := time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond
	stop := make(chan struct{})
	s.tickerStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, a := range s.health.Check() {
					s.handleHealthAlert(a)
				}
			}
		}
	}()
}

func (s *Supervisor) handleHealthAlert(a health.Alert) {
	switch a.Reason {
	case health.AlertUnresponsive:
		s.logger.Printf("event=health_alert reason=unresponsive agent=%s", a.AgentID)
		s.do(func() { s.handleCrashLocked(a.AgentID, "heartbeat timeout") })
	case health.AlertMemoryLimit:
		s.logger.Printf("event=resource_alert reason=memory_limit agent=%s", a.AgentID)
	case health.AlertCPULimit:
		s.logger.Printf("event=resource_alert reason=cpu_limit agent=%s", a.AgentID)
	}
}

// spawnDaemonLocked creates one new process-table slot. Must run on the
// loop goroutine.
func (s *Supervisor) spawnDaemonLocked() {
	agentID := ids.New()
	index := s.nextIndex
	s.nextIndex++
	name := ids.Name(s.cfg.Role, index)

	var ws workspace.Workspace
	if s.wsFactory != nil {
		w, err := s.wsFactory.Create(agentID, name)
		if err != nil {
			s.logger.Printf("event=workspace_create_failed agent=%s error=%v", agentID, err)
		} else {
			ws = w
		}
	}

	d := daemon.New(daemon.Config{
		AgentID:           agentID,
		Name:              name,
		Role:              s.cfg.Role,
		ExecutorCommand:   s.cfg.ExecutorCommand,
		HeartbeatInterval: time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond,
	}, s.spawner, ws, func(ev daemon.Event) {
		s.events <- daemonEvent{agentID: agentID, ev: ev}
	})

	pe := &processEntry{daemon: d, workspace: ws, index: index, stableSince: time.Now()}
	s.processTable[agentID] = pe

	if s.health != nil {
		s.health.Register(agentID, 0)
	}

	d.Start()
}

// pidfileNamesLiveProcess checks whether the PID in path is a live
// process. A malformed or unreadable pidfile is treated as not-live.
func pidfileNamesLiveProcess(path string) (bool, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, pid
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, pid
	}
	return true, pid
}
