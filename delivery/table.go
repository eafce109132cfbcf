package delivery

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Table is the process-local map of sub_key to live delivery task. One
// mutex guards it; tasks never outlive their table entry.
type Table struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTable creates an empty task table.
func NewTable() *Table {
	return &Table{tasks: make(map[string]*Task)}
}

// Put registers a task under its sub_key, stopping and replacing any task
// already there. Replacement happens on config replays and migrations in.
func (t *Table) Put(task *Task) {
	t.mu.Lock()
	old := t.tasks[task.SubKey()]
	t.tasks[task.SubKey()] = task
	t.mu.Unlock()

	if old != nil {
		log.Warn().Str("sub_key", task.SubKey()).Msg("Replacing existing delivery task")
		old.Stop()
	}
}

// Get returns the task for a sub_key.
func (t *Table) Get(subKey string) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[subKey]
	return task, ok
}

// Remove drops the table entry and returns the task, without stopping it.
// Callers on the migration path stop it themselves in the required order.
func (t *Table) Remove(subKey string) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[subKey]
	if ok {
		delete(t.tasks, subKey)
	}
	return task, ok
}

// Len reports how many tasks are registered.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// StopAll stops every task, used at shutdown.
func (t *Table) StopAll() {
	t.mu.Lock()
	tasks := make([]*Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		tasks = append(tasks, task)
	}
	t.tasks = make(map[string]*Task)
	t.mu.Unlock()

	for _, task := range tasks {
		task.Stop()
	}
}

// Snapshot returns stats for every registered task.
func (t *Table) Snapshot() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stats, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, task.Stats())
	}
	return out
}
