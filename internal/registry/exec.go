package registry

import (
	"fmt"
	"log"
	"time"

	"github.com/CLIAIMONITOR/internal/domain"
)

// AssignTask attaches a task description to an agent. Must be called
// with the agent IDLE; transitions it to RUNNING is the caller's
// responsibility via RunSync/RunAsync, which both require IDLE on
// entry.
func (r *Registry) AssignTask(agent *Agent, description string) error {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.state != domain.AgentIdle {
		return fmt.Errorf("state_violation: task assignment requires IDLE, agent is %s", agent.state)
	}
	agent.currentTask = description
	return nil
}

func (r *Registry) executorFor(agent *Agent) (SmartExecutor, AutonomousExecutor) {
	var smart SmartExecutor
	var autonomous AutonomousExecutor
	if r.factory.Smart != nil {
		smart = r.factory.Smart()
	}
	if r.factory.Autonomous != nil {
		autonomous = r.factory.Autonomous()
	}
	return smart, autonomous
}

// runBody performs the dispatch-by-type body shared by RunSync and
// RunAsync: mock mode short-circuit, else dispatch to the executor
// matching the agent's type. Returns the result text and an error
// string (empty on success).
func (r *Registry) runBody(agent *Agent, description string) (result string, errMsg string) {
	agent.mu.Lock()
	mock := agent.config.MockMode
	agentType := agent.agentType
	agent.mu.Unlock()

	if mock {
		return fmt.Sprintf("[mock] completed: %s", description), ""
	}

	smart, autonomous := r.executorFor(agent)
	switch agentType {
	case domain.AgentSmart:
		if smart == nil {
			log.Printf("[REGISTRY] Warning: no smart executor configured for agent %s", agent.Name())
			return "", ""
		}
		res, err := smart.Execute(description)
		if err != nil {
			return "", err.Error()
		}
		if res.Error != "" {
			return "", res.Error
		}
		return res.Output, ""
	case domain.AgentAutonomous:
		if autonomous == nil {
			log.Printf("[REGISTRY] Warning: no autonomous executor configured for agent %s", agent.Name())
			return "", ""
		}
		out, err := autonomous.Execute(description)
		if err != nil {
			return "", err.Error()
		}
		return out, ""
	case domain.AgentBuild:
		log.Printf("[REGISTRY] Warning: build agents are not dispatched through run_sync/run_async")
		return "", ""
	default:
		log.Printf("[REGISTRY] Warning: no executor path for agent type %s", agentType)
		return "", ""
	}
}

// RunSync executes description on agent synchronously. Must be called
// with the agent IDLE.
func (r *Registry) RunSync(agent *Agent, description string) (string, error) {
	agent.mu.Lock()
	if agent.state != domain.AgentIdle {
		state := agent.state
		agent.mu.Unlock()
		return "", fmt.Errorf("state_violation: run_sync requires IDLE, agent is %s", state)
	}
	agent.state = domain.AgentRunning
	agent.currentTask = description
	start := time.Now()
	agent.mu.Unlock()

	result, errMsg := r.runBody(agent, description)

	agent.mu.Lock()
	agent.runtimeSeconds += time.Since(start).Seconds()
	agent.currentTask = ""
	if errMsg != "" {
		agent.tasksFailed++
		agent.lastError = errMsg
	} else {
		agent.tasksCompleted++
		agent.lastResult = result
	}
	agent.state = domain.AgentIdle
	agent.mu.Unlock()

	if errMsg != "" {
		r.notifyFailure(agent, description, errMsg)
		return "", fmt.Errorf("executor_failure: %s", errMsg)
	}
	return result, nil
}

func (r *Registry) notifyFailure(agent *Agent, description, reason string) {
	r.mu.RLock()
	hook := r.onFailure
	r.mu.RUnlock()
	if hook == nil {
		return
	}
	defer func() { recover() }()
	hook(agent.Name(), description, reason)
}

// RunAsync submits description to the worker pool. It refuses (falls
// back to a synchronous call) if there is no worker pool, refuses if
// the agent is not IDLE, and refuses if the agent already has an
// active worker thread.
func (r *Registry) RunAsync(agent *Agent, description string) (bool, error) {
	if r.pool == nil {
		_, err := r.RunSync(agent, description)
		return false, err
	}

	agent.mu.Lock()
	if agent.state != domain.AgentIdle {
		state := agent.state
		agent.mu.Unlock()
		return false, fmt.Errorf("state_violation: run_async requires IDLE, agent is %s", state)
	}
	if agent.threadActive {
		agent.mu.Unlock()
		return false, fmt.Errorf("state_violation: agent %s already has an active worker thread", agent.Name())
	}
	agent.state = domain.AgentRunning
	agent.currentTask = description
	agent.threadActive = true
	start := time.Now()
	agent.mu.Unlock()

	r.writeStatus(agent, "running", description, "")

	r.pool.Submit(func(arg interface{}) {
		result, errMsg := r.runBody(agent, description)

		agent.mu.Lock()
		agent.runtimeSeconds += time.Since(start).Seconds()
		agent.currentTask = ""
		agent.threadActive = false
		if errMsg != "" {
			agent.tasksFailed++
			agent.lastError = errMsg
		} else {
			agent.tasksCompleted++
			agent.lastResult = result
		}
		agent.state = domain.AgentIdle
		agent.mu.Unlock()

		if errMsg != "" {
			r.writeStatus(agent, "failed", description, errMsg)
			r.notifyFailure(agent, description, errMsg)
		} else {
			r.writeStatus(agent, "completed", description, result)
		}
	}, nil)

	return true, nil
}

func (r *Registry) writeStatus(agent *Agent, status, task, result string) {
	if r.store == nil {
		return
	}
	name := agent.Name()
	r.store.Set(name+".status", status)
	r.store.Set(name+".task", task)
	if result != "" {
		r.store.Set(name+".result", result)
	}
}

// SpawnChild creates a child agent under parent, requiring parent to
// hold the SPAWN capability.
func (r *Registry) SpawnChild(parent *Agent, opts CreateOptions) (*Agent, error) {
	if !parent.Capabilities().Has(domain.CapSpawn) {
		return nil, fmt.Errorf("state_violation: agent %s lacks SPAWN capability", parent.Name())
	}
	child, err := r.Create(opts)
	if err != nil {
		return nil, err
	}
	child.mu.Lock()
	child.parent = parent
	child.mu.Unlock()

	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
	return child, nil
}

// WaitChildren polls every 50ms for every child of agent to reach a
// terminal state. ms == 0 waits indefinitely.
func (r *Registry) WaitChildren(agent *Agent, ms int) bool {
	children := agent.Children()
	deadline := time.Time{}
	if ms > 0 {
		deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	for {
		allDone := true
		for _, c := range children {
			if !c.State().IsTerminal() {
				allDone = false
				break
			}
		}
		if allDone {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TerminateChildren terminates every child of agent.
func (r *Registry) TerminateChildren(agent *Agent) {
	for _, c := range agent.Children() {
		if err := r.Terminate(c); err != nil {
			log.Printf("[REGISTRY] Warning: failed to terminate child %s: %v", c.Name(), err)
		}
	}
}
