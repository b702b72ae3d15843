// Package workspace locates, creates, and tears down the per-daemon
// working directories the supervisor hands to executors. Directory
// detection is grounded on the teacher's internal/workspace.Find walking
// idiom; identity is a small opaque value per internal/session/identity.go.
//
// Git cloning, Ed25519 keypair generation, and template-file writing are
// genuinely external collaborators per spec.md §1 — LocalFactory only
// creates a plain directory and the context file the core writes to.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentctl/swarm/internal/ids"
)

// contextFileName is the well-known file the daemon overwrites on every
// state change that has information to preserve (spec.md §4.D).
const contextFileName = ".context"

// Workspace is an isolated per-daemon directory. Owned exclusively by one
// daemon while it exists.
type Workspace interface {
	// Path is the filesystem root assigned to the daemon.
	Path() string

	// WriteContext overwrites the context record (no append). Write
	// failures are the caller's concern to swallow — context is
	// best-effort per spec.md §4.D — so this returns the error rather
	// than hiding it.
	WriteContext(summary string) error

	// Teardown removes the workspace from disk.
	Teardown() error
}

// Factory creates Workspaces for an agent identity. A Workspace removes
// itself with Teardown; Factory has no destroy operation.
type Factory interface {
	Create(agentID ids.AgentID, name string) (Workspace, error)
}

// LocalFactory creates workspaces as plain directories under Root, one
// subdirectory per agent name. It does not clone a repository or
// generate keys; pass a different Factory for that.
type LocalFactory struct {
	Root string
}

// NewLocalFactory returns a Factory rooted at root. root is created on
// first use if it doesn't exist.
func NewLocalFactory(root string) *LocalFactory {
	return &LocalFactory{Root: root}
}

// Create makes <Root>/<name>/ and an empty context file inside it.
func (f *LocalFactory) Create(agentID ids.AgentID, name string) (Workspace, error) {
	dir := filepath.Join(f.Root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating %s: %w", dir, err)
	}
	ws := &localWorkspace{dir: dir}
	if err := ws.WriteContext(fmt.Sprintf("workspace for %s (%s)\n", name, agentID)); err != nil {
		return nil, err
	}
	return ws, nil
}

type localWorkspace struct {
	dir string
}

func (w *localWorkspace) Path() string { return w.dir }

func (w *localWorkspace) WriteContext(summary string) error {
	path := filepath.Join(w.dir, contextFileName)
	if err := os.WriteFile(path, []byte(summary), 0o644); err != nil {
		return fmt.Errorf("workspace: writing context: %w", err)
	}
	return nil
}

func (w *localWorkspace) Teardown() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("workspace: tearing down %s: %w", w.dir, err)
	}
	return nil
}

var _ Workspace = (*localWorkspace)(nil)
var _ Factory = (*LocalFactory)(nil)
