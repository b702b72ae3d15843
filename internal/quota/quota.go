// Package quota records token usage per agent and raises budget
// threshold events. Grounded on the teacher's internal/quota package
// (a small state machine keyed by account/session) crossed with
// internal/ratelimit/cooldown.go's one-shot latch idiom, adapted here
// for the warning threshold.
package quota

import (
	"errors"
	"math"
	"sync"

	"github.com/agentctl/swarm/internal/ids"
)

// Mode selects how Record estimates token usage when the caller doesn't
// supply an explicit count.
type Mode string

const (
	// ModeReported requires the caller to supply a positive Tokens value.
	ModeReported Mode = "reported"
	// ModeOutput estimates from output length.
	ModeOutput Mode = "output"
	// ModeDuration estimates from elapsed wall time.
	ModeDuration Mode = "duration"
)

// ErrInvalidMode is returned by NewProbe for an unrecognized Mode.
var ErrInvalidMode = errors.New("quota: invalid mode")

// Usage is one task's accounting input.
type Usage struct {
	AgentID    ids.AgentID
	Output     string
	DurationMs int64
	Tokens     int // explicit count; required for ModeReported
}

// AgentRecord is the running total for one agent.
type AgentRecord struct {
	AgentID     ids.AgentID
	TotalTokens int
	Tasks       int
	LastTask    string
}

// EventKind identifies what Record reports back to the caller.
type EventKind string

const (
	EventUsage            EventKind = "usage"
	EventBudgetWarning    EventKind = "budget_warning"
	EventBudgetExhausted  EventKind = "budget_exhausted"
)

// Event is returned by Record describing what happened on this call.
// Zero or more of Warning/Exhausted may be set alongside Usage, which
// always fires.
type Event struct {
	Kind        EventKind
	AgentID     ids.AgentID
	Tokens      int
	Total       int
	UtilizationPct float64
}

// Config tunes estimation and budget gating.
type Config struct {
	Mode            Mode
	CharsPerToken   int     // ModeOutput divisor, default 4
	TokensPerSecond float64 // ModeDuration rate, default 50
	Budget          int     // 0 disables budget gating
	WarningThreshold float64 // fraction of budget, default 0.8
}

// DefaultConfig is reported mode with no budget gating.
func DefaultConfig() Config {
	return Config{Mode: ModeReported, CharsPerToken: 4, TokensPerSecond: 50, WarningThreshold: 0.8}
}

// Probe accumulates per-agent and aggregate token usage.
type Probe struct {
	cfg Config

	mu             sync.Mutex
	agents         map[ids.AgentID]*AgentRecord
	total          int
	warningEmitted bool
}

// NewProbe constructs a Probe. Returns ErrInvalidMode for an unrecognized
// Mode; zero-value fields for CharsPerToken/TokensPerSecond/WarningThreshold
// fall back to DefaultConfig's values.
func NewProbe(cfg Config) (*Probe, error) {
	switch cfg.Mode {
	case ModeReported, ModeOutput, ModeDuration:
	default:
		return nil, ErrInvalidMode
	}
	if cfg.CharsPerToken == 0 {
		cfg.CharsPerToken = 4
	}
	if cfg.TokensPerSecond == 0 {
		cfg.TokensPerSecond = 50
	}
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = 0.8
	}
	return &Probe{cfg: cfg, agents: make(map[ids.AgentID]*AgentRecord)}, nil
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return int(math.Ceil(float64(a) / float64(b)))
}

func (p *Probe) estimate(u Usage) int {
	switch p.cfg.Mode {
	case ModeReported:
		if u.Tokens > 0 {
			return u.Tokens
		}
	case ModeOutput:
		if len(u.Output) > 0 {
			return ceilDiv(len(u.Output), p.cfg.CharsPerToken)
		}
	case ModeDuration:
		if u.DurationMs > 0 {
			return int(math.Ceil(float64(u.DurationMs) / 1000 * p.cfg.TokensPerSecond))
		}
	}
	// Fall back to output estimation if the primary mode had no input.
	if len(u.Output) > 0 {
		return ceilDiv(len(u.Output), p.cfg.CharsPerToken)
	}
	return 0
}

// Record accounts for one task's usage, updates per-agent and aggregate
// totals, and returns the events this call raised. A usage event always
// fires; budget_exhausted may repeat across calls (it describes current
// state, not an edge), while budget_warning fires once per latch arming.
func (p *Probe) Record(u Usage) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	tokens := p.estimate(u)

	rec, ok := p.agents[u.AgentID]
	if !ok {
		rec = &AgentRecord{AgentID: u.AgentID}
		p.agents[u.AgentID] = rec
	}
	rec.TotalTokens += tokens
	rec.Tasks++
	rec.LastTask = u.Output
	p.total += tokens

	events := []Event{{Kind: EventUsage, AgentID: u.AgentID, Tokens: tokens, Total: p.total}}

	if p.cfg.Budget <= 0 {
		return events
	}

	utilization := float64(p.total) / float64(p.cfg.Budget)
	switch {
	case p.total >= p.cfg.Budget:
		events = append(events, Event{Kind: EventBudgetExhausted, AgentID: u.AgentID, Total: p.total, UtilizationPct: utilization * 100})
	case utilization >= p.cfg.WarningThreshold && !p.warningEmitted:
		p.warningEmitted = true
		events = append(events, Event{Kind: EventBudgetWarning, AgentID: u.AgentID, Total: p.total, UtilizationPct: utilization * 100})
	}

	return events
}

// Total returns the aggregate token count across all agents.
func (p *Probe) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// AgentTotal returns the agent's running total, or 0 if unknown.
func (p *Probe) AgentTotal(agentID ids.AgentID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.agents[agentID]; ok {
		return rec.TotalTokens
	}
	return 0
}

// SetBudget changes the budget. If the new utilization drops below the
// warning threshold, the latch is re-armed so a future Record can warn
// again.
func (p *Probe) SetBudget(budget int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Budget = budget
	if budget <= 0 {
		return
	}
	if float64(p.total)/float64(budget) < p.cfg.WarningThreshold {
		p.warningEmitted = false
	}
}

// Reset clears all per-agent and aggregate state, including the latch.
func (p *Probe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = make(map[ids.AgentID]*AgentRecord)
	p.total = 0
	p.warningEmitted = false
}
