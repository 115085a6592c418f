package coordinator

import (
	"strings"
	"testing"
	"time"

	"github.com/CLIAIMONITOR/internal/domain"
	"github.com/CLIAIMONITOR/internal/pool"
	"github.com/CLIAIMONITOR/internal/queue"
	"github.com/CLIAIMONITOR/internal/registry"
)

func newTestSetup() (*registry.Registry, *Coordinator) {
	reg := registry.New(0, nil, nil, registry.ExecutorFactory{
		Smart:      func() registry.SmartExecutor { return registry.MockSmartExecutor{} },
		Autonomous: func() registry.AutonomousExecutor { return registry.MockAutonomousExecutor{} },
	})
	return reg, New(reg, Config{})
}

// TestResourceConflictDefaultsToAgent1 reproduces spec scenario 3: two
// agents race for the same resource, and with no prompt callback
// configured the coordinator defaults to AGENT1.
func TestResourceConflictDefaultsToAgent1(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	if ok := co.RequestResource(a1, "file.txt", "write"); !ok {
		t.Fatal("first request should succeed")
	}
	if ok := co.RequestResource(a2, "file.txt", "write"); ok {
		t.Fatal("second request for a held resource should fail")
	}

	conflict := co.DetectConflict()
	if conflict == nil {
		t.Fatal("expected a logged conflict")
	}
	if conflict.Agent1ID != a1.ID() || conflict.Agent2ID != a2.ID() {
		t.Errorf("conflict agent ids mismatch: %+v", conflict)
	}
	if conflict.Action1 != "write" || conflict.Action2 != "write" {
		t.Errorf("expected both actions recorded as %q, got Action1=%q Action2=%q", "write", conflict.Action1, conflict.Action2)
	}

	resolution := co.ResolveConflict(conflict)
	if resolution != domain.ResolutionAgent1 {
		t.Errorf("expected default resolution AGENT1, got %s", resolution)
	}
	if co.LockedBy("file.txt") != a1.ID() {
		t.Error("expected a1 to retain the lock after AGENT1 resolution")
	}
	if !conflict.IsResolved() {
		t.Error("expected conflict to be marked resolved")
	}
}

// TestRequestResourceRecordsDistinctActions ensures the holder's
// original action survives into the conflict even when the second
// requester names a different action.
func TestRequestResourceRecordsDistinctActions(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	co.RequestResource(a1, "file.txt", "read")
	co.RequestResource(a2, "file.txt", "write")

	conflict := co.DetectConflict()
	if conflict == nil {
		t.Fatal("expected a logged conflict")
	}
	if conflict.Action1 != "read" {
		t.Errorf("expected Action1 to be the holder's original action %q, got %q", "read", conflict.Action1)
	}
	if conflict.Action2 != "write" {
		t.Errorf("expected Action2 to be the requester's action %q, got %q", "write", conflict.Action2)
	}
}

func TestResolveConflictAgent2GrantsNewHolder(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	co.RequestResource(a1, "res", "write")
	co.RequestResource(a2, "res", "write")
	conflict := co.DetectConflict()

	co.config.Prompt = func(c *Conflict, msg string, options []string) int { return 1 } // agent2
	resolution := co.ResolveConflict(conflict)

	if resolution != domain.ResolutionAgent2 {
		t.Fatalf("expected AGENT2, got %s", resolution)
	}
	if co.LockedBy("res") != a2.ID() {
		t.Error("expected a2 to hold the lock after AGENT2 resolution")
	}
}

func TestResolveConflictNeitherReleasesLock(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	co.RequestResource(a1, "res", "write")
	co.RequestResource(a2, "res", "write")
	conflict := co.DetectConflict()

	co.config.Prompt = func(c *Conflict, msg string, options []string) int { return 3 } // cancel-both
	resolution := co.ResolveConflict(conflict)

	if resolution != domain.ResolutionNeither {
		t.Fatalf("expected NEITHER, got %s", resolution)
	}
	if co.LockedBy("res") != "" {
		t.Error("expected no holder after NEITHER resolution")
	}
}

func TestResolveConflictOutOfRangeOptionIsError(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	co.RequestResource(a1, "res", "write")
	co.RequestResource(a2, "res", "write")
	conflict := co.DetectConflict()

	co.config.Prompt = func(c *Conflict, msg string, options []string) int { return 99 }
	resolution := co.ResolveConflict(conflict)

	if resolution != domain.ResolutionError {
		t.Fatalf("expected ERROR for out-of-range option, got %s", resolution)
	}
}

func TestReleaseResourceRequiresHolder(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	co.RequestResource(a1, "res", "write")
	if co.ReleaseResource(a2, "res") {
		t.Error("expected release by non-holder to fail")
	}
	if !co.ReleaseResource(a1, "res") {
		t.Error("expected release by holder to succeed")
	}
	if co.LockedBy("res") != "" {
		t.Error("expected resource unlocked after release")
	}
}

func TestAssignTaskPrefersPreferredAgent(t *testing.T) {
	reg, co := newTestSetup()
	reg.Create(registry.CreateOptions{Name: "build1", Type: domain.AgentBuild})
	reg.Create(registry.CreateOptions{Name: "build2", Type: domain.AgentBuild})

	task := queue.NewTask("compile", domain.TaskBuild, domain.PriorityNormal, domain.CapBuild, nil)
	task.PreferredAgent = "build2"

	assigned, err := co.AssignTask(task)
	if err != nil {
		t.Fatalf("assign_task failed: %v", err)
	}
	if assigned.Name() != "build2" {
		t.Errorf("expected preferred agent build2, got %s", assigned.Name())
	}
}

func TestAssignTaskScoresByTypeAffinity(t *testing.T) {
	reg, co := newTestSetup()
	reg.Create(registry.CreateOptions{Name: "smart1", Type: domain.AgentSmart})
	reg.Create(registry.CreateOptions{Name: "build1", Type: domain.AgentBuild})

	task := queue.NewTask("diagnose failure", domain.TaskAnalyze, domain.PriorityNormal, 0, nil)

	assigned, err := co.AssignTask(task)
	if err != nil {
		t.Fatalf("assign_task failed: %v", err)
	}
	if assigned.Name() != "smart1" {
		t.Errorf("expected smart1 (affinity 100) over build1 (affinity 50), got %s", assigned.Name())
	}
}

func TestAssignTaskNoCapableAgentFails(t *testing.T) {
	reg, co := newTestSetup()
	reg.Create(registry.CreateOptions{Name: "smart1", Type: domain.AgentSmart})

	task := queue.NewTask("compile", domain.TaskBuild, domain.PriorityNormal, domain.CapBuild, nil)
	if _, err := co.AssignTask(task); err == nil {
		t.Error("expected failure, no agent holds BUILD capability")
	}
}

func TestAssignToRequiresIdleAndCapability(t *testing.T) {
	reg, co := newTestSetup()
	build, _ := reg.Create(registry.CreateOptions{Name: "build1", Type: domain.AgentBuild})

	task := queue.NewTask("compile", domain.TaskBuild, domain.PriorityNormal, domain.CapBuild, nil)
	if _, err := co.AssignTo(task, "nonexistent"); err == nil {
		t.Error("expected error for unknown agent name")
	}
	if _, err := co.AssignTo(task, build.Name()); err != nil {
		t.Errorf("assign_to failed: %v", err)
	}
}

func TestAggregateResultsBucketsByTerminalState(t *testing.T) {
	reg, co := newTestSetup()
	ok1, _ := reg.Create(registry.CreateOptions{Name: "ok1", Type: domain.AgentAutonomous, Config: registry.Config{MockMode: true}})
	ok2, _ := reg.Create(registry.CreateOptions{Name: "ok2", Type: domain.AgentAutonomous, Config: registry.Config{MockMode: true}})
	reg.RunSync(ok1, "task one")
	reg.RunSync(ok2, "task two")

	failing, _ := reg.Create(registry.CreateOptions{Name: "bad", Type: domain.AgentAutonomous})
	failing.State() // touch for coverage symmetry

	// RunSync returns each agent to IDLE, which is not a terminal state,
	// so both land in the timeout bucket and contribute no output.
	result := co.AggregateResults([]*registry.Agent{ok1, ok2})
	if result.SuccessCount != 0 {
		t.Errorf("expected 0 successes for IDLE agents, got %d", result.SuccessCount)
	}
	if result.TimeoutCount != 2 {
		t.Errorf("expected 2 timeouts for IDLE agents, got %d", result.TimeoutCount)
	}
	if result.AllSucceeded {
		t.Error("expected AllSucceeded false")
	}
	if result.Combined != "" {
		t.Errorf("expected empty combined report, got %q", result.Combined)
	}
}

func TestSpawnWorkersCreatesNamedChildren(t *testing.T) {
	reg, co := newTestSetup()
	parent, _ := reg.Create(registry.CreateOptions{Name: "coord", Type: domain.AgentCoordinator})
	task := queue.NewTask("big job", domain.TaskGeneral, domain.PriorityNormal, 0, nil)

	ok := co.SpawnWorkers(parent, task, 3)
	if !ok {
		t.Fatal("expected all workers to spawn successfully")
	}
	children := parent.Children()
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	for i, c := range children {
		want := "worker_" + task.ID + "_" // prefix check only; exact index ordering may vary by spawn order
		_ = i
		if !strings.HasPrefix(c.Name(), want) {
			t.Errorf("unexpected worker name %q", c.Name())
		}
	}
}

func TestStatusReportAndConflictReportProduceText(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	if report := co.StatusReport(); report == "" {
		t.Error("expected non-empty status report")
	}
	co.RequestResource(a1, "res", "write")
	co.RequestResource(a2, "res", "write")
	conflict := co.DetectConflict()
	co.ResolveConflict(conflict)

	report := co.ConflictReport()
	if report == "" {
		t.Error("expected non-empty conflict report")
	}
}

func TestAuditRoutesThroughPoolWhenConfigured(t *testing.T) {
	reg, co := newTestSetup()
	p := pool.Create(2)
	defer p.Free()
	co.SetPool(p)

	done := make(chan string, 1)
	co.SetAuditFunc(func(kind string, payload interface{}) { done <- kind })

	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	co.AggregateResults([]*registry.Agent{a1})

	select {
	case kind := <-done:
		if kind != "aggregate" {
			t.Errorf("expected audit kind %q, got %q", "aggregate", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("audit never delivered via pool")
	}
}

func TestConflictNotifierFiresOnNeitherAndError(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	var notified []string
	co.SetConflictNotifier(func(resourceID, summary string) { notified = append(notified, resourceID) })

	co.RequestResource(a1, "res", "write")
	co.RequestResource(a2, "res", "write")
	conflict := co.DetectConflict()
	co.config.Prompt = func(c *Conflict, msg string, options []string) int { return 3 } // cancel-both -> NEITHER
	co.ResolveConflict(conflict)

	if len(notified) != 1 || notified[0] != "res" {
		t.Errorf("expected conflict notifier to fire once for resource %q, got %v", "res", notified)
	}
}

func TestBroadcastFuncFiresOnAssignAndConflict(t *testing.T) {
	reg, co := newTestSetup()
	a1, _ := reg.Create(registry.CreateOptions{Name: "a1", Type: domain.AgentAutonomous})
	a2, _ := reg.Create(registry.CreateOptions{Name: "a2", Type: domain.AgentAutonomous})

	var kinds []string
	co.SetBroadcastFunc(func(kind string, payload interface{}) { kinds = append(kinds, kind) })

	task := &queue.Task{ID: "t1", Type: domain.TaskExecute, RequiredCapability: domain.CapExecute}
	if _, err := co.AssignTask(task); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}

	co.RequestResource(a1, "res", "write")
	co.RequestResource(a2, "res", "write")
	conflict := co.DetectConflict()
	co.ResolveConflict(conflict)

	if len(kinds) != 2 || kinds[0] != "status" || kinds[1] != "conflict" {
		t.Errorf("expected broadcast kinds [status conflict], got %v", kinds)
	}
}
