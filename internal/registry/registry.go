// Package registry tracks the live trigger handle bound to each schedule id.
package registry

import (
	"sort"
	"sync"
)

// Task is a cancellable scheduled trigger: a one-shot timer or a repeating
// pattern. Cancel must be idempotent.
type Task interface {
	Cancel()
}

// Entry is a point-in-time view of one registration.
type Entry struct {
	ID   int64
	Task Task
}

// Registry maps schedule ids to live handles. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	tasks map[int64]Task
}

func New() *Registry {
	return &Registry{tasks: map[int64]Task{}}
}

// Set registers t for id. A handle already bound to id is canceled first so
// it can never outlive its replacement.
func (r *Registry) Set(id int64, t Task) {
	if t == nil {
		return
	}
	r.mu.Lock()
	prev := r.tasks[id]
	r.tasks[id] = t
	r.mu.Unlock()
	if prev != nil && prev != t {
		prev.Cancel()
	}
}

// Clear cancels every handle and empties the registry. It returns the number
// of handles canceled.
func (r *Registry) Clear() int {
	r.mu.Lock()
	old := r.tasks
	r.tasks = make(map[int64]Task, len(old))
	r.mu.Unlock()

	for _, t := range old {
		t.Cancel()
	}
	return len(old)
}

// Remove cancels and drops the handle for id.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()
	if ok {
		t.Cancel()
	}
	return ok
}

func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Registry) Has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	return ok
}

// IDs returns registered ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entries returns a snapshot ordered by id.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.tasks))
	for id, t := range r.tasks {
		out = append(out, Entry{ID: id, Task: t})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
