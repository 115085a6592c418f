// Package registry implements the agent directory and lifecycle state
// machine described in SPEC_FULL.md §4.6.
package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/internal/domain"
	"github.com/CLIAIMONITOR/internal/kvstore"
	"github.com/CLIAIMONITOR/internal/pool"
	"github.com/CLIAIMONITOR/internal/stringutils"
)

// ExecutorFactory builds the out-of-scope executor backing one agent
// type. smart/autonomous factories are consulted by RunSync/RunAsync;
// build and others are stored but never invoked through those paths.
type ExecutorFactory struct {
	Smart      func() SmartExecutor
	Autonomous func() AutonomousExecutor
	Build      func() BuildExecutor
}

// FailureHook is invoked whenever an agent's task ends in a non-empty
// error message, per SPEC_FULL.md §4.8's desktop-notification contract.
type FailureHook func(agentName, taskDescription, reason string)

// Registry owns the sole list of agents and enforces create/remove/
// lifecycle discipline across them.
type Registry struct {
	mu            sync.RWMutex
	agents        []*Agent
	byID          map[string]*Agent
	byName        map[string]*Agent
	maxConcurrent int
	pool          *pool.Pool
	store         *kvstore.Store
	factory       ExecutorFactory
	onFailure     FailureHook
}

// New creates an empty registry. pool/store may be nil — RunAsync falls
// back to synchronous execution without a pool, per SPEC_FULL.md §4.6.
func New(maxConcurrent int, p *pool.Pool, store *kvstore.Store, factory ExecutorFactory) *Registry {
	return &Registry{
		agents:        make([]*Agent, 0),
		byID:          make(map[string]*Agent),
		byName:        make(map[string]*Agent),
		maxConcurrent: maxConcurrent,
		pool:          p,
		store:         store,
		factory:       factory,
	}
}

// CreateOptions configures agent creation.
type CreateOptions struct {
	Name       string
	Type       domain.AgentType
	Config     Config
	AutoStart  bool
	Capability domain.Capability // 0 -> domain.DefaultCapabilities(Type)
}

// Create allocates a new agent. Rejects a duplicate name. Warns (but
// still creates) if the running-agent count already meets
// maxConcurrent. Any failure rolls back all earlier allocations for
// this call.
func (r *Registry) Create(opts CreateOptions) (*Agent, error) {
	if stringutils.IsEmpty(opts.Name) {
		return nil, fmt.Errorf("invalid_argument: agent name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[opts.Name]; exists {
		return nil, fmt.Errorf("invalid_argument: duplicate agent name %q", opts.Name)
	}

	if r.maxConcurrent > 0 {
		running := 0
		for _, a := range r.agents {
			if a.State() == domain.AgentRunning {
				running++
			}
		}
		if running >= r.maxConcurrent {
			log.Printf("[REGISTRY] Warning: creating agent %q while %d agents already running (max_concurrent=%d)",
				opts.Name, running, r.maxConcurrent)
		}
	}

	caps := opts.Capability
	if caps == 0 {
		caps = domain.DefaultCapabilities(opts.Type)
	}

	agent := &Agent{
		id:           uuid.New().String(),
		name:         opts.Name,
		agentType:    opts.Type,
		capabilities: caps,
		state:        domain.AgentCreated,
		config:       opts.Config,
		registry:     r,
	}
	agent.state = domain.AgentInitializing

	r.agents = append(r.agents, agent)
	r.byID[agent.id] = agent
	r.byName[agent.name] = agent

	agent.mu.Lock()
	agent.state = domain.AgentIdle
	agent.mu.Unlock()

	if opts.AutoStart {
		if err := r.Start(agent); err != nil {
			// Roll back the allocation entirely.
			r.removeLocked(agent)
			return nil, err
		}
	}
	return agent, nil
}

func (r *Registry) removeLocked(agent *Agent) {
	delete(r.byID, agent.id)
	delete(r.byName, agent.name)
	for i, a := range r.agents {
		if a == agent {
			last := len(r.agents) - 1
			r.agents[i] = r.agents[last]
			r.agents = r.agents[:last]
			break
		}
	}
}

// SetFailureHook installs the callback invoked after a task ends in
// failure, from both RunSync and RunAsync. Optional.
func (r *Registry) SetFailureHook(fn FailureHook) {
	r.mu.Lock()
	r.onFailure = fn
	r.mu.Unlock()
}

// Get looks up an agent by name or id.
func (r *Registry) Get(nameOrID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byName[nameOrID]; ok {
		return a, true
	}
	if a, ok := r.byID[nameOrID]; ok {
		return a, true
	}
	return nil, false
}

// List returns the registry's live backing slice. Callers must not
// mutate it.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents
}

// GetByType returns a newly allocated slice of agents of the given type.
func (r *Registry) GetByType(t domain.AgentType) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Type() == t {
			out = append(out, a)
		}
	}
	return out
}

// GetByState returns a newly allocated slice of agents in the given
// state.
func (r *Registry) GetByState(s domain.AgentState) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.State() == s {
			out = append(out, a)
		}
	}
	return out
}

// GetByCapability returns a newly allocated slice of agents whose
// capability bitmask is a superset of capMask.
func (r *Registry) GetByCapability(capMask domain.Capability) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Capabilities().Has(capMask) {
			out = append(out, a)
		}
	}
	return out
}

// Remove terminates the agent if running/paused, destroys it, then
// compacts the registry's backing array.
func (r *Registry) Remove(agent *Agent) error {
	state := agent.State()
	if state == domain.AgentRunning || state == domain.AgentPaused {
		if err := r.Terminate(agent); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(agent)
	return nil
}

// Start brings the agent online: it is legal only from CREATED,
// INITIALIZING or IDLE and leaves the agent IDLE, ready for task
// assignment. Transitions to RUNNING happen in RunSync/RunAsync.
func (r *Registry) Start(agent *Agent) error {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	switch agent.state {
	case domain.AgentCreated, domain.AgentInitializing, domain.AgentIdle:
		agent.state = domain.AgentIdle
		return nil
	default:
		return fmt.Errorf("state_violation: start illegal from state %s", agent.state)
	}
}

// Pause transitions RUNNING -> PAUSED.
func (r *Registry) Pause(agent *Agent) error {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.state != domain.AgentRunning {
		return fmt.Errorf("state_violation: pause illegal from state %s", agent.state)
	}
	agent.state = domain.AgentPaused
	return nil
}

// Resume transitions PAUSED -> RUNNING.
func (r *Registry) Resume(agent *Agent) error {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.state != domain.AgentPaused {
		return fmt.Errorf("state_violation: resume illegal from state %s", agent.state)
	}
	agent.state = domain.AgentRunning
	return nil
}

// Terminate is legal from any non-terminal state. It first terminates
// all children, then sets TERMINATED; if a worker thread is active it
// waits 100ms for cooperative observation first. No completion time is
// recorded: Agent has no timestamp field for it.
func (r *Registry) Terminate(agent *Agent) error {
	agent.mu.Lock()
	if agent.state.IsTerminal() {
		agent.mu.Unlock()
		return fmt.Errorf("state_violation: terminate illegal from terminal state %s", agent.state)
	}
	children := make([]*Agent, len(agent.children))
	copy(children, agent.children)
	threadActive := agent.threadActive
	agent.mu.Unlock()

	for _, child := range children {
		if err := r.Terminate(child); err != nil {
			log.Printf("[REGISTRY] Warning: failed to terminate child %s of %s: %v", child.Name(), agent.Name(), err)
		}
	}

	if threadActive {
		time.Sleep(100 * time.Millisecond)
	}

	agent.mu.Lock()
	agent.state = domain.AgentTerminated
	agent.mu.Unlock()
	return nil
}

// Wait polls at 50ms intervals for agent to reach a terminal state, or
// returns true immediately if it's IDLE with no active worker thread.
// ms == 0 waits indefinitely.
func (r *Registry) Wait(agent *Agent, ms int) bool {
	agent.mu.Lock()
	if agent.state == domain.AgentIdle && !agent.threadActive {
		agent.mu.Unlock()
		return true
	}
	agent.mu.Unlock()

	deadline := time.Time{}
	if ms > 0 {
		deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	for {
		agent.mu.Lock()
		terminal := agent.state.IsTerminal()
		agent.mu.Unlock()
		if terminal {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
