package jobs

import (
	"context"
	"sort"
	"sync"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Call is one recorded invocation of a MemoryScheduler method.
type Call struct {
	Op  string
	Job Job
}

// MemoryScheduler is an in-memory Scheduler used by tests and local development.
// Fail, when set, is consulted before every call; a non-nil error is returned as-is.
type MemoryScheduler struct {
	mu    sync.Mutex
	jobs  map[string]Job
	calls []Call

	Fail func(op string, job Job) error
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{jobs: map[string]Job{}}
}

func (m *MemoryScheduler) CreateJob(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: OpCreate, Job: job})
	if err := m.fail(OpCreate, job); err != nil {
		return err
	}
	if _, ok := m.jobs[job.Name]; ok {
		return ErrConflict
	}
	m.jobs[job.Name] = job
	return nil
}

func (m *MemoryScheduler) UpdateJob(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: OpUpdate, Job: job})
	if err := m.fail(OpUpdate, job); err != nil {
		return err
	}
	if _, ok := m.jobs[job.Name]; !ok {
		return ErrNotFound
	}
	m.jobs[job.Name] = job
	return nil
}

func (m *MemoryScheduler) DeleteJob(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: OpDelete, Job: Job{Name: name}})
	if err := m.fail(OpDelete, Job{Name: name}); err != nil {
		return err
	}
	if _, ok := m.jobs[name]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, name)
	return nil
}

func (m *MemoryScheduler) fail(op string, job Job) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, job)
}

// Fire removes a job as the scheduler does after it completes, returning it.
func (m *MemoryScheduler) Fire(name string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	if ok {
		delete(m.jobs, name)
	}
	return job, ok
}

func (m *MemoryScheduler) Job(name string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	return job, ok
}

// Jobs returns the pending jobs sorted by name.
func (m *MemoryScheduler) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *MemoryScheduler) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CountCalls returns how many recorded calls used op.
func (m *MemoryScheduler) CountCalls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (m *MemoryScheduler) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
