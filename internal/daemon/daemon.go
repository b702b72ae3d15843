// Package daemon implements the per-slot state machine: idle →
// promoting → active → demoting → idle, with the crashed terminal
// branch. A Daemon owns at most one executor subprocess and emits
// lifecycle events a Supervisor consumes; it never starts an executor
// without approval.
//
// Grounded on the teacher's internal/daemon/daemon.go for the
// event-emitting lifecycle shape and internal/process for the
// spawn/stdout-forwarding idiom, narrowed from a tmux-backed session
// manager to a direct os/exec child.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentctl/swarm/internal/ids"
	"github.com/agentctl/swarm/internal/protocol"
	"github.com/agentctl/swarm/internal/workspace"
)

// ErrInvalidTransition is returned by ApprovePromotion/DenyPromotion when
// called from a state other than promoting. The caller (always the
// supervisor) gets a typed error to act on; the daemon also emits an
// EventContractViolation so the violation is visible to observers
// without being fatal to the daemon itself.
var ErrInvalidTransition = errors.New("daemon: invalid state transition")

// State is the daemon's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StatePromoting State = "promoting"
	StateActive    State = "active"
	StateDemoting  State = "demoting"
	StateCrashed   State = "crashed"
)

// EventKind identifies the lifecycle event a Daemon emits.
type EventKind string

const (
	EventStarted        EventKind = "started"
	EventHeartbeat      EventKind = "heartbeat"
	EventClaim          EventKind = "claim"
	EventPromoteRequest EventKind = "promote-request"
	EventPromoted       EventKind = "promoted"
	EventUnclaim        EventKind = "unclaim"
	EventOutput         EventKind = "output"
	EventDone           EventKind = "done"
	EventFail           EventKind = "fail"
	EventDemoted        EventKind = "demoted"
	EventCrashed        EventKind = "crashed"

	// EventContractViolation fires when a caller invokes a precondition-
	// guarded operation from the wrong state. Never fatal to the daemon.
	EventContractViolation EventKind = "contract-violation"
)

// Event is one lifecycle notification a Daemon emits. Fields are
// populated according to Kind; see spec for the exact combinations.
type Event struct {
	Kind     EventKind
	AgentID  ids.AgentID
	Task     protocol.Task
	Pid      int
	Success  bool
	ExitCode int
	Error    string
	Reason   string
	Stream   string
	Chunk    string
}

// outputTailLimit is the number of trailing characters of combined
// stdout/stderr kept for the completion context record (spec.md §4.D:
// "retaining only the tail (last ~2000 chars)").
const outputTailLimit = 2000

// Config configures a Daemon's identity and executor spawn behavior.
type Config struct {
	AgentID           ids.AgentID
	Name              string
	Role              string
	ExecutorCommand   []string // first word is program, rest are prefix args
	HeartbeatInterval time.Duration
}

// Daemon is one process-table slot's state machine.
type Daemon struct {
	cfg       Config
	spawner   Spawner
	workspace workspace.Workspace
	sink      func(Event)

	mu            sync.Mutex
	state         State
	currentTask   *protocol.Task
	handle        Handle
	tail          strings.Builder
	heartbeatStop chan struct{}
	stopped       bool
}

// New creates a Daemon in state idle, not yet started.
func New(cfg Config, spawner Spawner, ws workspace.Workspace, sink func(Event)) *Daemon {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Daemon{cfg: cfg, spawner: spawner, workspace: ws, sink: sink, state: StateIdle}
}

func (d *Daemon) emit(ev Event) {
	ev.AgentID = d.cfg.AgentID
	d.sink(ev)
}

// AgentID returns the daemon's identity.
func (d *Daemon) AgentID() ids.AgentID { return d.cfg.AgentID }

// Name returns the daemon's human name.
func (d *Daemon) Name() string { return d.cfg.Name }

// Role returns the daemon's configured role.
func (d *Daemon) Role() string { return d.cfg.Role }

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// CurrentTask returns a copy of the attached task, or nil if idle.
func (d *Daemon) CurrentTask() *protocol.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentTask == nil {
		return nil
	}
	t := *d.currentTask
	return &t
}

// Info is the read-only projection spec.md's control plane calls for.
type Info struct {
	AgentID     ids.AgentID
	Name        string
	Role        string
	State       State
	CurrentTask *protocol.Task
}

func (d *Daemon) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	var task *protocol.Task
	if d.currentTask != nil {
		t := *d.currentTask
		task = &t
	}
	return Info{AgentID: d.cfg.AgentID, Name: d.cfg.Name, Role: d.cfg.Role, State: d.state, CurrentTask: task}
}

// Start transitions into service: emits `started`, then begins idle
// heartbeats.
func (d *Daemon) Start() {
	d.emit(Event{Kind: EventStarted})
	d.mu.Lock()
	d.stopped = false
	d.mu.Unlock()
	d.startHeartbeat()
}

// Stop is cooperative: stops heartbeats, and if an executor is running,
// sends it a kill signal (terminate semantics are binary here — there is
// no separate graceful path at this layer; the supervisor's
// shutdownTimeoutMs budget governs how long it waits before moving on).
func (d *Daemon) Stop() {
	d.mu.Lock()
	d.stopped = true
	handle := d.handle
	d.mu.Unlock()

	d.stopHeartbeat()
	if handle != nil {
		_ = handle.Kill()
	}
}

func (d *Daemon) startHeartbeat() {
	d.mu.Lock()
	if d.heartbeatStop != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.heartbeatStop = stop
	interval := d.cfg.HeartbeatInterval
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.emit(Event{Kind: EventHeartbeat})
			}
		}
	}()
}

func (d *Daemon) stopHeartbeat() {
	d.mu.Lock()
	stop := d.heartbeatStop
	d.heartbeatStop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func roleMatches(daemonRole, taskRole string) bool {
	if daemonRole == "general" {
		return true
	}
	return taskRole == daemonRole
}

// HandleMessage routes a decoded bus message into the state machine.
// TASK_AVAILABLE is evaluated only while idle; ASSIGN only matches when
// addressed to this agent while idle. Everything else is ignored
// (invariant I4: an idle daemon emits no bus traffic but heartbeats, so
// silently ignoring non-matches here is load-bearing, not an omission).
func (d *Daemon) HandleMessage(dec protocol.Decoded) {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	if state != StateIdle {
		return
	}

	switch dec.Type {
	case protocol.TypeTaskAvailable:
		if dec.TaskAvailable == nil {
			return
		}
		task := dec.TaskAvailable.Task
		if !roleMatches(d.cfg.Role, task.Role) {
			return
		}
		d.emit(Event{Kind: EventClaim, Task: task})

	case protocol.TypeAssign:
		if dec.Assign == nil || dec.Assign.AgentID != d.cfg.AgentID {
			return
		}
		task := dec.Assign.Task
		d.mu.Lock()
		d.state = StatePromoting
		d.currentTask = &task
		d.mu.Unlock()
		d.emit(Event{Kind: EventPromoteRequest, Task: task})
	}
}

// ApprovePromotion spawns the executor and transitions to active. Its
// precondition is state == promoting; violating it is a programming
// error in the caller (the supervisor), not a runtime condition the
// daemon itself needs to recover from, so it returns an error instead
// of silently no-opping.
func (d *Daemon) ApprovePromotion(ctx context.Context, task protocol.Task) error {
	d.mu.Lock()
	if d.state != StatePromoting {
		state := d.state
		d.mu.Unlock()
		d.emit(Event{Kind: EventContractViolation, Reason: fmt.Sprintf("approvePromotion called in state %s", state)})
		return fmt.Errorf("%w: approvePromotion called in state %s, want promoting", ErrInvalidTransition, state)
	}
	d.mu.Unlock()

	if d.workspace != nil {
		_ = d.workspace.WriteContext(fmt.Sprintf("approved promotion: role=%s component=%s prompt=%s\n", task.Role, task.Component, task.Prompt))
	}

	handle, err := d.spawner.Spawn(ctx, SpawnConfig{
		Command:   d.cfg.ExecutorCommand,
		Dir:       d.workspacePath(),
		ExtraArgs: []string{task.Prompt, d.workspacePath(), d.cfg.Name},
	})
	if err != nil {
		d.emit(Event{Kind: EventFail, Task: task, Success: false, Error: err.Error()})
		d.emit(Event{Kind: EventCrashed, Error: err.Error()})
		d.mu.Lock()
		d.state = StateCrashed
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.state = StateActive
	d.handle = handle
	d.tail.Reset()
	d.mu.Unlock()

	d.stopHeartbeat()
	d.emit(Event{Kind: EventPromoted, Task: task, Pid: handle.Pid()})

	go d.runExecutor(handle, task)
	return nil
}

// DenyPromotion returns a promoting daemon to idle.
func (d *Daemon) DenyPromotion(reason string) error {
	d.mu.Lock()
	if d.state != StatePromoting {
		state := d.state
		d.mu.Unlock()
		d.emit(Event{Kind: EventContractViolation, Reason: fmt.Sprintf("denyPromotion called in state %s", state)})
		return fmt.Errorf("%w: denyPromotion called in state %s, want promoting", ErrInvalidTransition, state)
	}
	d.state = StateIdle
	d.currentTask = nil
	d.mu.Unlock()

	d.emit(Event{Kind: EventUnclaim, Reason: reason})
	d.startHeartbeat()
	return nil
}

func (d *Daemon) workspacePath() string {
	if d.workspace == nil {
		return ""
	}
	return d.workspace.Path()
}

func (d *Daemon) appendTail(chunk string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tail.WriteString(chunk)
	d.tail.WriteByte('\n')
	if d.tail.Len() > outputTailLimit {
		s := d.tail.String()
		d.tail.Reset()
		d.tail.WriteString(s[len(s)-outputTailLimit:])
	}
}

func (d *Daemon) tailSnapshot() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tail.String()
}

// runExecutor drains output until the handle closes it, then applies
// the exit result. Runs on its own goroutine per spawn.
func (d *Daemon) runExecutor(handle Handle, task protocol.Task) {
	for chunk := range handle.Output() {
		d.appendTail(chunk.Data)
		d.emit(Event{Kind: EventOutput, Task: task, Stream: chunk.Stream, Chunk: chunk.Data})
	}
	result := handle.Wait()
	d.onExit(result, task)
}

func (d *Daemon) onExit(result ExitResult, task protocol.Task) {
	d.mu.Lock()
	d.state = StateDemoting
	d.handle = nil
	tail := d.tail.String()
	d.mu.Unlock()

	if d.workspace != nil {
		_ = d.workspace.WriteContext(fmt.Sprintf(
			"task complete: role=%s component=%s exitCode=%d signal=%s\n--- tail ---\n%s",
			task.Role, task.Component, result.Code, result.Signal, tail))
	}

	if result.Err != nil {
		d.emit(Event{Kind: EventFail, Task: task, Success: false, Error: result.Err.Error()})
		d.emit(Event{Kind: EventCrashed, Error: result.Err.Error()})
		d.mu.Lock()
		d.state = StateCrashed
		d.currentTask = nil
		d.mu.Unlock()
		return
	}

	if result.Code == 0 {
		d.emit(Event{Kind: EventDone, Task: task, Success: true, ExitCode: result.Code, Chunk: tail})
	} else {
		d.emit(Event{Kind: EventFail, Task: task, Success: false, ExitCode: result.Code, Chunk: tail})
	}

	d.mu.Lock()
	d.state = StateIdle
	d.currentTask = nil
	d.mu.Unlock()

	d.emit(Event{Kind: EventDemoted})
	d.startHeartbeat()
}

// ForceExit is used by the supervisor's executor watchdog
// (maxTaskDurationMs): it kills the running executor, which the daemon
// then treats as a normal (failed) exit rather than a crash, per
// spec.md §5.
func (d *Daemon) ForceExit() {
	d.mu.Lock()
	handle := d.handle
	d.mu.Unlock()
	if handle != nil {
		_ = handle.Kill()
	}
}
