package listener

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/corepeer/peersync/pkg/metrics"
)

// Task mirrors HTTPListener::Task: a handle to long-lived work (typically
// a replication) spawned by a handler, visible to status queries via
// GET /_active_tasks until its grace period expires.
type Task struct {
	ID          int64
	Type        string
	TimeStarted time.Time

	mu          sync.Mutex
	timeUpdated time.Time
	finished    bool
	finishedAt  time.Time
	status      map[string]any
	stopFn      func()
}

// BumpTimeUpdated records progress; called by long-running handlers as
// they make headway so status queries can show liveness.
func (t *Task) BumpTimeUpdated() {
	t.mu.Lock()
	t.timeUpdated = time.Now()
	t.mu.Unlock()
}

// SetStatus replaces the task's status object, merged into its
// /_active_tasks representation.
func (t *Task) SetStatus(status map[string]any) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// Finish marks the task complete; it remains visible for the registry's
// grace period before being swept.
func (t *Task) Finish() {
	t.mu.Lock()
	if !t.finished {
		t.finished = true
		t.finishedAt = time.Now()
	}
	t.mu.Unlock()
}

// Stop requests the task's owner to halt it. Idempotent: a task without a
// registered stop function, or one already finished, is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	stop := t.stopFn
	finished := t.finished
	t.mu.Unlock()
	if !finished && stop != nil {
		stop()
	}
}

func (t *Task) snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string]any{
		"task":         t.ID,
		"type":         t.Type,
		"started_on":   t.TimeStarted,
		"updated_on":   t.timeUpdated,
		"finished":     t.finished,
	}
	for k, v := range t.status {
		out[k] = v
	}
	return out
}

func (t *Task) isExpired(retention time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished && now.Sub(t.finishedAt) > retention
}

// TaskRegistry tracks every in-flight and recently-finished Task. Finished
// tasks stay visible for retention before being swept on the next
// registry access, matching "10 s grace retention."
type TaskRegistry struct {
	retention time.Duration
	nextID    int64

	mu    sync.Mutex
	tasks map[int64]*Task
}

// NewTaskRegistry creates a TaskRegistry retaining finished tasks for
// retention before sweeping them.
func NewTaskRegistry(retention time.Duration) *TaskRegistry {
	return &TaskRegistry{retention: retention, tasks: make(map[int64]*Task)}
}

// Register creates and tracks a new Task of the given type. stopFn, if
// non-nil, is invoked by Stop and by StopAll.
func (r *TaskRegistry) Register(taskType string, stopFn func()) *Task {
	id := atomic.AddInt64(&r.nextID, 1)
	now := time.Now()
	t := &Task{ID: id, Type: taskType, TimeStarted: now, timeUpdated: now, stopFn: stopFn}

	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()

	metrics.ActiveTasksTotal.Inc()
	return t
}

// Unregister marks a task finished; it stays visible to ActiveTasks until
// the retention window elapses.
func (r *TaskRegistry) Unregister(id int64) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	t.Finish()
	metrics.ActiveTasksTotal.Dec()
}

// FindReplication looks up an unfinished "replication" task whose status
// carries the given source/target, for the /_replicate cancel=true path.
// Grounded on original_source/REST/RESTListener+Replicate.cc's
// cancelExisting(), which scans the task list for a matching in-flight
// replication rather than tracking it by a separate id space.
func (r *TaskRegistry) FindReplication(source, target string) (*Task, bool) {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.mu.Lock()
		finished := t.finished
		src, _ := t.status["source"].(string)
		tgt, _ := t.status["target"].(string)
		t.mu.Unlock()
		if !finished && t.Type == "replication" && src == source && tgt == target {
			return t, true
		}
	}
	return nil, false
}

// ActiveTasks returns every task not yet swept: unfinished ones plus
// finished ones still within the grace window. Expired entries are
// removed as a side effect.
func (r *TaskRegistry) ActiveTasks() []map[string]any {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]map[string]any, 0, len(r.tasks))
	for id, t := range r.tasks {
		if t.isExpired(r.retention, now) {
			delete(r.tasks, id)
			continue
		}
		out = append(out, t.snapshot())
	}
	return out
}

// StopAll calls Stop on every unfinished task and waits up to the
// retention window for them to report finished, matching "stop() on every
// unfinished task and waits for the set to drain."
func (r *TaskRegistry) StopAll() {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}

	deadline := time.Now().Add(r.retention)
	for time.Now().Before(deadline) {
		if r.allFinished(tasks) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (r *TaskRegistry) allFinished(tasks []*Task) bool {
	for _, t := range tasks {
		t.mu.Lock()
		finished := t.finished
		t.mu.Unlock()
		if !finished {
			return false
		}
	}
	return true
}
