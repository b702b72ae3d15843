// Package ids provides the agent identity type shared across the daemon,
// supervisor, health, and bus layers.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AgentID is a stable identifier for a daemon slot, derived from a
// generated UUID (see New). It is a distinct type rather than a bare string so the
// compiler catches code that confuses an agent ID with a role or channel
// name.
type AgentID string

// New derives a fresh AgentID: 8 hex characters taken from a generated
// UUID, which is sufficient entropy for a fleet of the sizes this system
// targets (tens, not millions, of concurrent slots).
func New() AgentID {
	return AgentID(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Name builds the human-readable daemon name: swarm-<role>-<NNN>, NNN
// zero-padded to three digits starting at 000.
func Name(role string, index int) string {
	return fmt.Sprintf("swarm-%s-%03d", role, index)
}

func (a AgentID) String() string { return string(a) }

// Empty reports whether the ID has never been assigned.
func (a AgentID) Empty() bool { return a == "" }
