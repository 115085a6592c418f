package queue

import (
	"container/heap"
	"time"

	"github.com/CLIAIMONITOR/internal/concurrency"
	"github.com/CLIAIMONITOR/internal/domain"
)

// taskHeap is a container/heap.Interface max-heap over priority then
// created_at, maintaining each task's heapIndex as an invariant.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority // higher priority first
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt) // earlier first
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// Queue is the thread-safe priority max-heap of tasks with dependency
// tracking and capability-aware dispatch.
type Queue struct {
	cond     *concurrency.Cond
	heap     taskHeap
	byID     map[string]*Task
	shutdown concurrency.Flag
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		cond: concurrency.NewCond(),
		heap: make(taskHeap, 0),
		byID: make(map[string]*Task),
	}
}

// Push inserts t into the heap.
func (q *Queue) Push(t *Task) {
	q.cond.L.Lock()
	heap.Push(&q.heap, t)
	q.byID[t.ID] = t
	q.cond.Broadcast()
	q.cond.L.Unlock()
}

// Pop blocks until a task is available or the queue shuts down.
func (q *Queue) Pop() (*Task, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for {
		if q.heap.Len() > 0 {
			return q.popLocked(), true
		}
		if q.shutdown.IsSet() {
			return nil, false
		}
		q.cond.Wait()
	}
}

// PopTimeout waits up to d for a task.
func (q *Queue) PopTimeout(d time.Duration) (*Task, bool) {
	deadline := time.Now().Add(d)
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for {
		if q.heap.Len() > 0 {
			return q.popLocked(), true
		}
		if q.shutdown.IsSet() {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		q.cond.WaitTimeout(remaining)
	}
}

// TryPop never blocks.
func (q *Queue) TryPop() (*Task, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	return q.popLocked(), true
}

func (q *Queue) popLocked() *Task {
	t := heap.Pop(&q.heap).(*Task)
	delete(q.byID, t.ID)
	return t
}

// AgentView is the minimal capability/name view pop_for_agent needs,
// satisfied by the registry's Agent type.
type AgentView interface {
	Capabilities() domain.Capability
	Name() string
}

// PopForAgent scans the heap's backing array in index order (root
// first), skipping tasks the agent can't handle — missing capability,
// a non-matching preferred agent, or unmet dependencies — and removes
// and returns the first match. The scan is linear by design; see
// SPEC_FULL.md §4.5.
func (q *Queue) PopForAgent(agent AgentView) (*Task, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for i := 0; i < len(q.heap); i++ {
		t := q.heap[i]
		if !agent.Capabilities().Has(t.RequiredCapability) {
			continue
		}
		if t.PreferredAgent != "" && t.PreferredAgent != agent.Name() {
			continue
		}
		if !t.DependenciesMet {
			continue
		}
		heap.Remove(&q.heap, i)
		delete(q.byID, t.ID)
		return t, true
	}
	return nil, false
}

// Peek returns the highest-priority task without removing it.
func (q *Queue) Peek() (*Task, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	return q.heap[0], true
}

// Get looks up a task by id without removing it.
func (q *Queue) Get(id string) (*Task, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	t, ok := q.byID[id]
	return t, ok
}

// Remove removes a task by id from the heap (without marking it
// cancelled). Returns false if not present.
func (q *Queue) Remove(id string) bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, t.heapIndex)
	delete(q.byID, id)
	return true
}

// Cancel removes the task from the heap and marks it CANCELLED. If the
// task is no longer in the heap (already popped/running), this is a
// no-op — cooperative cancellation of executing tasks is out of scope.
func (q *Queue) Cancel(id string) bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, t.heapIndex)
	delete(q.byID, id)
	t.State = domain.TaskCancelled
	t.CompletedAt = time.Now()
	return true
}

// Count returns the number of tasks currently in the heap.
func (q *Queue) Count() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return q.heap.Len()
}

// IsEmpty reports whether the heap has no tasks.
func (q *Queue) IsEmpty() bool { return q.Count() == 0 }

// Shutdown wakes every blocked consumer; they return (nil, false) once
// the heap is empty.
func (q *Queue) Shutdown() {
	q.cond.L.Lock()
	q.shutdown.Set(true)
	q.cond.Broadcast()
	q.cond.L.Unlock()
}

// Clear discards every remaining task.
func (q *Queue) Clear() {
	q.cond.L.Lock()
	q.heap = make(taskHeap, 0)
	q.byID = make(map[string]*Task)
	q.cond.L.Unlock()
}

// UpdateDependencies recomputes DependenciesMet for every remaining
// task, treating completedID as no longer in the queue (it is assumed
// the caller already popped/cancelled/removed it). A dependency is
// considered met once its predecessor is no longer present in the
// queue — see the open question preserved in SPEC_FULL.md §9 about this
// conflating cancellation with completion.
func (q *Queue) UpdateDependencies(completedID string) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for _, t := range q.heap {
		if t.DependenciesMet {
			continue
		}
		met := true
		for _, dep := range t.Dependencies {
			if _, stillQueued := q.byID[dep]; stillQueued {
				met = false
				break
			}
		}
		t.DependenciesMet = met
	}
}

// GetBlockedBy enumerates queued tasks whose dependency list contains
// id.
func (q *Queue) GetBlockedBy(id string) []*Task {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	var out []*Task
	for _, t := range q.heap {
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
