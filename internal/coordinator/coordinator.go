// Package coordinator implements capability-based dispatch,
// resource-conflict detection and arbitration, and result aggregation,
// per SPEC_FULL.md §4.7.
package coordinator

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/CLIAIMONITOR/internal/domain"
	"github.com/CLIAIMONITOR/internal/pool"
	"github.com/CLIAIMONITOR/internal/queue"
	"github.com/CLIAIMONITOR/internal/registry"
)

// PromptFunc is the user-arbitration callback: given a conflict, a
// human-readable message, and the four options {agent1, agent2, both,
// cancel-both}, it returns the chosen index (0..3); any other value is
// treated as ERROR.
type PromptFunc func(conflict *Conflict, message string, options []string) int

// AuditFunc is invoked (best-effort, via the worker pool) after a
// conflict resolves or a result set is aggregated, per SPEC_FULL.md
// §4.7. It never blocks or affects the outcome of a call.
type AuditFunc func(kind string, payload interface{})

// ConflictNotifyFunc is invoked when a conflict resolves to NEITHER or
// ERROR — the two outcomes SPEC_FULL.md §4.8 requires to surface as a
// desktop notification.
type ConflictNotifyFunc func(resourceID, summary string)

// BroadcastFunc pushes a live update to the status server's connected
// WebSocket clients. kind is one of "status", "conflict", "aggregate".
type BroadcastFunc func(kind string, payload interface{})

// Config configures coordinator behavior.
type Config struct {
	Prompt PromptFunc
	// DefaultResolution is stored but never consulted when Prompt is
	// nil — resolving with no callback always defaults to AGENT1 with
	// a logged warning. This mirrors a documented, preserved quirk of
	// the source; see SPEC_FULL.md §9.
	DefaultResolution domain.Resolution
}

type resourceLock struct {
	resourceID string
	agentID    string
	action     string
}

// Coordinator owns the resource lock table and conflict log.
type Coordinator struct {
	mu             sync.Mutex
	registry       *registry.Registry
	locks          []resourceLock
	conflicts      []*Conflict
	config         Config
	audit          AuditFunc
	pool           *pool.Pool
	notifyConflict ConflictNotifyFunc
	broadcast      BroadcastFunc
}

// New creates a coordinator bound to reg.
func New(reg *registry.Registry, cfg Config) *Coordinator {
	return &Coordinator{
		registry: reg,
		config:   cfg,
	}
}

// SetAuditFunc installs a best-effort audit hook.
func (c *Coordinator) SetAuditFunc(fn AuditFunc) {
	c.mu.Lock()
	c.audit = fn
	c.mu.Unlock()
}

// SetPool installs the worker pool audit deliveries are routed through.
// Optional — without one, runAudit falls back to a bare goroutine.
func (c *Coordinator) SetPool(p *pool.Pool) {
	c.mu.Lock()
	c.pool = p
	c.mu.Unlock()
}

// SetConflictNotifier installs the hook invoked when a conflict
// resolves to NEITHER or ERROR.
func (c *Coordinator) SetConflictNotifier(fn ConflictNotifyFunc) {
	c.mu.Lock()
	c.notifyConflict = fn
	c.mu.Unlock()
}

// SetBroadcastFunc installs the hook used to push live status/conflict/
// aggregate updates to the status server.
func (c *Coordinator) SetBroadcastFunc(fn BroadcastFunc) {
	c.mu.Lock()
	c.broadcast = fn
	c.mu.Unlock()
}

func (c *Coordinator) runAudit(kind string, payload interface{}) {
	if c.audit == nil {
		return
	}
	fn := c.audit
	job := func() {
		defer func() { recover() }()
		fn(kind, payload)
	}
	if c.pool != nil {
		c.pool.SubmitAudit(job)
		return
	}
	go job()
}

func (c *Coordinator) runBroadcast(kind string, payload interface{}) {
	c.mu.Lock()
	fn := c.broadcast
	c.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() { recover() }()
	fn(kind, payload)
}

// scoreAgent scores agent against task per SPEC_FULL.md §4.7.
func scoreAgent(task *queue.Task, agent *registry.Agent) int {
	score := 0
	switch {
	case task.Type == domain.TaskBuild && agent.Type() == domain.AgentBuild:
		score = 100
	case (task.Type == domain.TaskFix || task.Type == domain.TaskAnalyze) && agent.Type() == domain.AgentSmart:
		score = 100
	case (task.Type == domain.TaskFix || task.Type == domain.TaskAnalyze) && agent.Type() == domain.AgentBuild:
		score = 50
	case (task.Type == domain.TaskExecute || task.Type == domain.TaskModify) && agent.Type() == domain.AgentAutonomous:
		score = 100
	default:
		score = 50
	}
	completed, _, _ := agent.Counters()
	return score - completed
}

// AssignTask scans the registry for the best IDLE, capable agent for
// task, scoring by preferred-agent match, type affinity, and load.
// Highest score wins, ties broken by registry order.
func (c *Coordinator) AssignTask(task *queue.Task) (*registry.Agent, error) {
	var best *registry.Agent
	bestScore := 0
	first := true

	for _, agent := range c.registry.List() {
		if agent.State() != domain.AgentIdle {
			continue
		}
		if !agent.Capabilities().Has(task.RequiredCapability) {
			continue
		}
		if task.PreferredAgent != "" {
			if agent.Name() == task.PreferredAgent {
				if err := c.registry.AssignTask(agent, task.Description); err != nil {
					return nil, err
				}
				c.runBroadcast("status", fmt.Sprintf("%s assigned to %s", task.ID, agent.Name()))
				return agent, nil
			}
			continue
		}
		score := scoreAgent(task, agent)
		if first || score > bestScore {
			best = agent
			bestScore = score
			first = false
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no idle capable agent available for task %s", task.ID)
	}
	if err := c.registry.AssignTask(best, task.Description); err != nil {
		return nil, err
	}
	c.runBroadcast("status", fmt.Sprintf("%s assigned to %s", task.ID, best.Name()))
	return best, nil
}

// AssignTo is the override variant of AssignTask targeting a specific
// agent by name.
func (c *Coordinator) AssignTo(task *queue.Task, name string) (*registry.Agent, error) {
	agent, ok := c.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("invalid_argument: no such agent %q", name)
	}
	if agent.State() != domain.AgentIdle {
		return nil, fmt.Errorf("state_violation: agent %q is not IDLE", name)
	}
	if !agent.Capabilities().Has(task.RequiredCapability) {
		return nil, fmt.Errorf("state_violation: agent %q lacks required capability", name)
	}
	if err := c.registry.AssignTask(agent, task.Description); err != nil {
		return nil, err
	}
	c.runBroadcast("status", fmt.Sprintf("%s assigned to %s", task.ID, agent.Name()))
	return agent, nil
}

// SpawnWorkers creates n autonomous child agents under parentTask's
// conceptual owner, named worker_{task.id}_{i}, and starts each.
// Partial failure is logged but not propagated.
func (c *Coordinator) SpawnWorkers(parent *registry.Agent, parentTask *queue.Task, n int) bool {
	ok := true
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("worker_%s_%d", parentTask.ID, i)
		child, err := c.registry.SpawnChild(parent, registry.CreateOptions{
			Name: name,
			Type: domain.AgentAutonomous,
		})
		if err != nil {
			log.Printf("[COORDINATOR] Warning: failed to spawn worker %s: %v", name, err)
			ok = false
			continue
		}
		if err := c.registry.Start(child); err != nil {
			log.Printf("[COORDINATOR] Warning: failed to start worker %s: %v", name, err)
			ok = false
		}
	}
	return ok
}

// WaitAll polls the registry every 100ms until no agent is RUNNING or
// the timeout elapses. ms == 0 waits indefinitely.
func (c *Coordinator) WaitAll(ms int) bool {
	deadline := time.Time{}
	if ms > 0 {
		deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	for {
		anyRunning := false
		for _, a := range c.registry.List() {
			if a.State() == domain.AgentRunning {
				anyRunning = true
				break
			}
		}
		if !anyRunning {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// RequestResource grants agent the lock on res if unlocked or already
// held by agent. If held by another agent, logs a conflict and refuses.
func (c *Coordinator) RequestResource(agent *registry.Agent, res, action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.locks {
		if l.resourceID == res {
			if l.agentID == agent.ID() {
				return true
			}
			holder, _ := c.registry.Get(l.agentID)
			holderName := l.agentID
			if holder != nil {
				holderName = holder.Name()
			}
			conflict := newConflict(domain.ConflictResource, l.agentID, holderName, agent.ID(), agent.Name(), res, "", l.action, action)
			c.conflicts = append(c.conflicts, conflict)
			return false
		}
	}
	c.locks = append(c.locks, resourceLock{resourceID: res, agentID: agent.ID(), action: action})
	return true
}

// ReleaseResource releases agent's lock on res. Only the holder may
// release.
func (c *Coordinator) ReleaseResource(agent *registry.Agent, res string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.locks {
		if l.resourceID == res {
			if l.agentID != agent.ID() {
				return false
			}
			last := len(c.locks) - 1
			c.locks[i] = c.locks[last]
			c.locks = c.locks[:last]
			return true
		}
	}
	return false
}

// LockedBy returns the id of the agent currently holding res, or "".
func (c *Coordinator) LockedBy(res string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.locks {
		if l.resourceID == res {
			return l.agentID
		}
	}
	return ""
}

// DetectConflict returns the first unresolved conflict in the log.
func (c *Coordinator) DetectConflict() *Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conflict := range c.conflicts {
		if !conflict.IsResolved() {
			return conflict
		}
	}
	return nil
}

// ResolveConflict arbitrates conflict via the configured prompt
// callback with four options {agent1, agent2, both, cancel-both}. With
// no callback configured, defaults to AGENT1 with a logged warning —
// Config.DefaultResolution is stored but never consulted
// here, a preserved quirk per SPEC_FULL.md §9.
func (c *Coordinator) ResolveConflict(conflict *Conflict) domain.Resolution {
	message := fmt.Sprintf("Resource conflict on %q: %s (%s) wants to %s, %s (%s) wants to %s",
		conflict.ResourceID, conflict.Agent1Name, conflict.Agent1ID, conflict.Action1,
		conflict.Agent2Name, conflict.Agent2ID, conflict.Action2)
	options := []string{"agent1", "agent2", "both", "cancel-both"}

	var resolution domain.Resolution
	c.mu.Lock()
	prompt := c.config.Prompt
	c.mu.Unlock()

	if prompt == nil {
		log.Printf("[COORDINATOR] Warning: no user-prompt callback configured, defaulting to AGENT1 for conflict %s", conflict.ID)
		resolution = domain.ResolutionAgent1
	} else {
		option := prompt(conflict, message, options)
		resolution = domain.ResolutionFromOption(option)
	}

	switch resolution {
	case domain.ResolutionAgent2, domain.ResolutionNeither:
		c.mu.Lock()
		for i, l := range c.locks {
			if l.resourceID == conflict.ResourceID && l.agentID == conflict.Agent1ID {
				last := len(c.locks) - 1
				c.locks[i] = c.locks[last]
				c.locks = c.locks[:last]
				break
			}
		}
		c.mu.Unlock()
	}
	if resolution == domain.ResolutionAgent2 {
		c.mu.Lock()
		c.locks = append(c.locks, resourceLock{resourceID: conflict.ResourceID, agentID: conflict.Agent2ID, action: conflict.Action2})
		c.mu.Unlock()
	}

	c.mu.Lock()
	conflict.Resolution = resolution
	conflict.Reason = message
	conflict.ResolvedAt = time.Now()
	c.mu.Unlock()

	log.Printf("[COORDINATOR] Conflict %s resolved: %s", conflict.ID, resolution)
	c.runAudit("conflict", conflict)
	c.runBroadcast("conflict", conflict)

	if resolution == domain.ResolutionNeither || resolution == domain.ResolutionError {
		c.mu.Lock()
		notify := c.notifyConflict
		c.mu.Unlock()
		if notify != nil {
			notify(conflict.ResourceID, message)
		}
	}

	return resolution
}

// AggregatedResult summarizes terminal agent outcomes, per
// SPEC_FULL.md §3.
type AggregatedResult struct {
	AllSucceeded  bool
	SuccessCount  int
	FailureCount  int
	TimeoutCount  int
	Outputs       map[string]string // agent name -> output
	FirstError    string
	Combined      string
	TotalDuration float64
}

// AggregateResults inspects each agent's terminal state and builds a
// combined report. Total duration is the arithmetic sum of agent
// runtimes, not wall clock.
func (c *Coordinator) AggregateResults(agents []*registry.Agent) AggregatedResult {
	result := AggregatedResult{Outputs: make(map[string]string)}
	var combined strings.Builder

	for _, agent := range agents {
		_, _, runtime := agent.Counters()
		result.TotalDuration += runtime
		switch agent.State() {
		case domain.AgentCompleted:
			out := agent.LastResult()
			result.Outputs[agent.Name()] = out
			result.SuccessCount++
			combined.WriteString(fmt.Sprintf("[%s]:\n%s\n---\n", agent.Name(), out))
		case domain.AgentError, domain.AgentTerminated:
			result.FailureCount++
			if result.FirstError == "" {
				result.FirstError = agent.LastError()
			}
		default:
			result.TimeoutCount++
		}
	}
	result.AllSucceeded = result.FailureCount == 0 && result.TimeoutCount == 0
	result.Combined = combined.String()
	c.runAudit("aggregate", result)
	c.runBroadcast("aggregate", result)
	return result
}

// StatusReport returns a formatted table of name/type/state/tasks plus
// an appended unresolved-conflict count.
func (c *Coordinator) StatusReport() string {
	var b strings.Builder
	b.WriteString("NAME\tTYPE\tSTATE\tCOMPLETED\tFAILED\n")
	for _, agent := range c.registry.List() {
		completed, failed, _ := agent.Counters()
		fmt.Fprintf(&b, "%s\t%s\t%s\t%d\t%d\n", agent.Name(), agent.Type(), agent.State(), completed, failed)
	}
	unresolved := 0
	c.mu.Lock()
	for _, conflict := range c.conflicts {
		if !conflict.IsResolved() {
			unresolved++
		}
	}
	c.mu.Unlock()
	fmt.Fprintf(&b, "unresolved_conflicts: %d\n", unresolved)
	return b.String()
}

// ConflictReport returns a per-conflict history including resolution
// status.
func (c *Coordinator) ConflictReport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, conflict := range c.conflicts {
		status := "unresolved"
		if conflict.IsResolved() {
			status = string(conflict.Resolution)
		}
		fmt.Fprintf(&b, "[%s] %s vs %s over %s: %s\n",
			conflict.ID, conflict.Agent1Name, conflict.Agent2Name, conflict.ResourceID, status)
	}
	return b.String()
}
