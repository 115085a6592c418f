package registry

import (
	"sync"
	"time"

	"github.com/CLIAIMONITOR/internal/domain"
)

// Config holds per-agent tunables, per SPEC_FULL.md §3.
type Config struct {
	TimeoutSec int
	Verbose    bool
	Model      string
	MockMode   bool
	Focus      string
}

// Agent is a registry-owned worker. Identity is immutable after
// creation; mutation happens only under the agent's own lock or the
// registry's lock, per SPEC_FULL.md §5. Agent never owns its children
// (the registry does) and Parent/Children are non-owning handles.
type Agent struct {
	mu sync.Mutex

	id           string
	name         string
	agentType    domain.AgentType
	capabilities domain.Capability
	state        domain.AgentState
	config       Config

	tasksCompleted  int
	tasksFailed     int
	runtimeSeconds  float64
	currentTask     string
	lastResult      string
	lastError       string
	threadActive    bool
	startedRunning  time.Time

	parent   *Agent
	children []*Agent

	registry *Registry
}

// ID returns the agent's immutable identifier.
func (a *Agent) ID() string { return a.id }

// Name returns the agent's immutable human name.
func (a *Agent) Name() string { return a.name }

// Type returns the agent's classification tag.
func (a *Agent) Type() domain.AgentType { return a.agentType }

// Capabilities returns the agent's permission bitmask.
func (a *Agent) Capabilities() domain.Capability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capabilities
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() domain.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastResult returns a copy of the agent's last successful result via
// the dedicated accessor the concurrency model requires (SPEC_FULL.md
// §5): it takes the agent lock.
func (a *Agent) LastResult() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResult
}

// LastError returns the agent's last error string.
func (a *Agent) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

// Counters returns (tasksCompleted, tasksFailed, runtimeSeconds).
func (a *Agent) Counters() (int, int, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tasksCompleted, a.tasksFailed, a.runtimeSeconds
}

// CurrentTask returns the description of the task the agent is
// currently assigned, if any.
func (a *Agent) CurrentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTask
}

// Parent returns the agent's non-owning parent handle, or nil.
func (a *Agent) Parent() *Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.parent
}

// Children returns a snapshot of the agent's non-owning child handles.
func (a *Agent) Children() []*Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Agent, len(a.children))
	copy(out, a.children)
	return out
}

// ThreadActive reports whether an async worker-pool job is currently
// executing on this agent's behalf.
func (a *Agent) ThreadActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadActive
}
