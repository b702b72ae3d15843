// Package health tracks daemon liveness and passive resource usage.
// Grounded on the teacher's internal/keepalive liveness-timestamp idiom
// crossed with internal/ratelimit's one-shot cooldown latch, generalized
// here into miss-counting with threshold escalation.
package health

import (
	"sync"
	"time"

	"github.com/agentctl/swarm/internal/ids"
	"github.com/shirou/gopsutil/v4/process"
)

// Status is a health record's liveness classification.
type Status string

const (
	StatusAlive        Status = "alive"
	StatusUnresponsive Status = "unresponsive"
	StatusDead         Status = "dead"
)

// AlertReason identifies why an Alert fired.
type AlertReason string

const (
	AlertUnresponsive AlertReason = "unresponsive"
	AlertMemoryLimit  AlertReason = "memory_limit"
	AlertCPULimit     AlertReason = "cpu_limit"
)

// Alert is emitted by check() for a record crossing a threshold.
type Alert struct {
	AgentID ids.AgentID
	Reason  AlertReason
	At      time.Time
}

// Record is the point-in-time health state for one registered agent.
type Record struct {
	AgentID           ids.AgentID
	LastSeen          time.Time
	ConsecutiveMisses int
	Status            Status
	Pid               int
	MemoryMb          float64
	CPUPct            float64
	RegisteredAt      time.Time

	// deadLatched is true once the unresponsive→dead alert has fired for
	// the current alive→...→dead run; heartbeat() clears it, re-arming.
	deadLatched bool
}

// Config configures Monitor thresholds. Zero-value Limits mean "disabled"
// and produce no memory_limit/cpu_limit alerts.
type Config struct {
	HeartbeatInterval time.Duration
	MissThreshold     int
	MemoryLimitMb     float64 // 0 disables
	CPULimitPct       float64 // 0 disables
}

// DefaultConfig matches spec.md's heartbeatIntervalMs default and a
// 3-miss threshold (the same ratio the teacher's keepalive staleness
// classification used informally before it was removed to Deacon).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MissThreshold:     3,
	}
}

// sampler abstracts process resource sampling so tests don't need a real
// PID. The production path is gopsutilSampler, backed by gopsutil/v4.
type sampler interface {
	Sample(pid int) (memoryMb, cpuPct float64, err error)
}

type gopsutilSampler struct{}

func (gopsutilSampler) Sample(pid int) (float64, float64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPct, err := proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return float64(memInfo.RSS) / (1024 * 1024), cpuPct, nil
}

// Monitor tracks registered agents' liveness and resource usage. All
// methods are safe for concurrent use.
type Monitor struct {
	cfg     Config
	sampler sampler

	mu      sync.Mutex
	records map[ids.AgentID]*Record
}

// NewMonitor creates a Monitor sampling real process stats via gopsutil.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, sampler: gopsutilSampler{}, records: make(map[ids.AgentID]*Record)}
}

// Register adds a new health record for agentId, status alive.
func (m *Monitor) Register(agentID ids.AgentID, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.records[agentID] = &Record{
		AgentID:      agentID,
		LastSeen:     now,
		Status:       StatusAlive,
		Pid:          pid,
		RegisteredAt: now,
	}
}

// Unregister removes the health record for agentId.
func (m *Monitor) Unregister(agentID ids.AgentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, agentID)
}

// UpdatePid attaches or changes the sampled pid for an already-registered
// agent. A zero pid disables sampling for that record.
func (m *Monitor) UpdatePid(agentID ids.AgentID, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[agentID]; ok {
		rec.Pid = pid
	}
}

// Heartbeat resets consecutiveMisses to 0, sets status alive, and
// re-arms the unresponsive-alert latch (invariant I7 / property P4).
func (m *Monitor) Heartbeat(agentID ids.AgentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	if !ok {
		return
	}
	rec.LastSeen = time.Now()
	rec.ConsecutiveMisses = 0
	rec.Status = StatusAlive
	rec.deadLatched = false
}

// HealthStatus returns a copy of the current record, and whether the
// agent is registered at all.
func (m *Monitor) HealthStatus(agentID ids.AgentID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// HealthSummary returns a copy of every current record.
func (m *Monitor) HealthSummary() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// Check runs one periodic pass: recomputes missed-heartbeat counts,
// escalates status, samples resource usage for records with a live pid,
// and returns the alerts raised this pass. A single unresponsive alert
// fires at most once per alive|unresponsive → dead transition; it is
// re-armed only by a subsequent Heartbeat (spec.md "Ordering").
func (m *Monitor) Check() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var alerts []Alert

	for _, rec := range m.records {
		missed := int(now.Sub(rec.LastSeen) / m.cfg.HeartbeatInterval)
		rec.ConsecutiveMisses = missed

		switch {
		case missed >= m.cfg.MissThreshold:
			if rec.Status != StatusDead {
				rec.Status = StatusDead
			}
			if !rec.deadLatched {
				rec.deadLatched = true
				alerts = append(alerts, Alert{AgentID: rec.AgentID, Reason: AlertUnresponsive, At: now})
			}
		case missed >= 1:
			rec.Status = StatusUnresponsive
		}

		if rec.Pid == 0 {
			continue
		}
		memMb, cpuPct, err := m.sampler.Sample(rec.Pid)
		if err != nil {
			continue
		}
		rec.MemoryMb = memMb
		rec.CPUPct = cpuPct

		if m.cfg.MemoryLimitMb > 0 && memMb > m.cfg.MemoryLimitMb {
			alerts = append(alerts, Alert{AgentID: rec.AgentID, Reason: AlertMemoryLimit, At: now})
		}
		if m.cfg.CPULimitPct > 0 && cpuPct > m.cfg.CPULimitPct {
			alerts = append(alerts, Alert{AgentID: rec.AgentID, Reason: AlertCPULimit, At: now})
		}
	}

	return alerts
}
