package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Worker runs one workflow invocation. It logs through link and reports
// failure by returning an error or calling link.SetOK(false).
type Worker func(ctx context.Context, arg string, link *Link) error

var (
	// ErrExists is returned when a task with the same id is already
	// registered; it must be deleted before the id can be reused.
	ErrExists = errors.New("task already exists")
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrUnknownKind is returned for unregistered task kinds.
	ErrUnknownKind = errors.New("unknown task kind")
)

const (
	StateRunning  = "running"
	StateComplete = "complete"
)

type task struct {
	id         string
	kind       string
	arg        string
	createTime time.Time
	link       *Link
	cancel     context.CancelFunc
	done       chan struct{}

	mu    sync.Mutex
	state string
	ok    bool
}

// Status is a point-in-time view of a task, as served over HTTP. Messages
// and Value are only populated for single-task reads.
type Status struct {
	ID         string          `json:"id"`
	State      string          `json:"state"`
	CreateTime time.Time       `json:"createTime"`
	Messages   []Message       `json:"messages,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// Manager supervises workers. The registry is guarded by a single mutex;
// workers never touch it directly.
type Manager struct {
	mu      sync.Mutex
	workers map[string]Worker
	tasks   map[string]*task
}

// NewManager returns a manager with only the built-in dummy kind.
func NewManager() *Manager {
	m := &Manager{workers: map[string]Worker{}, tasks: map[string]*task{}}
	m.Register("dummy", dummyWorker)
	return m
}

// Register adds a worker for a kind.
func (m *Manager) Register(kind string, w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[kind] = w
}

// Kinds lists the registered kinds, sorted.
func (m *Manager) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.workers))
	for k := range m.workers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func taskID(kind, arg string) string { return kind + "/" + arg }

// Create spawns a worker for (kind, arg). The returned id is the task's
// registry key.
func (m *Manager) Create(kind, arg string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[kind]
	if !ok {
		return "", fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	id := taskID(kind, arg)
	if _, ok := m.tasks[id]; ok {
		return "", fmt.Errorf("%q: %w", id, ErrExists)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:         id,
		kind:       kind,
		arg:        arg,
		createTime: time.Now().UTC(),
		link:       newLink(id),
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateRunning,
	}
	m.tasks[id] = t

	go func() {
		defer close(t.done)
		defer cancel()
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.link.Errorf("task crashed: %v\n%s", r, debug.Stack())
					err = fmt.Errorf("task crashed: %v", r)
				}
			}()
			err = worker(ctx, arg, t.link)
		}()
		if err != nil {
			t.link.Errorf("task failed: %v", err)
		}
		t.mu.Lock()
		t.state = StateComplete
		t.ok = t.link.outcome(err)
		t.mu.Unlock()
	}()
	return id, nil
}

func (t *task) status(withDetail bool) Status {
	t.mu.Lock()
	state, ok := t.state, t.ok
	t.mu.Unlock()

	s := Status{ID: t.id, State: state, CreateTime: t.createTime}
	if state == StateComplete {
		v := ok
		s.OK = &v
	}
	msgs, value := t.link.snapshot()
	s.Value = value
	if withDetail {
		s.Messages = msgs
	}
	return s
}

// Get returns the full status of one task, messages included.
func (m *Manager) Get(kind, arg string) (Status, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID(kind, arg)]
	m.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%q: %w", taskID(kind, arg), ErrNotFound)
	}
	return t.status(true), nil
}

// List returns task summaries, optionally restricted to one kind. Completed
// tasks are filtered out unless includeCompleted is set.
func (m *Manager) List(kind string, includeCompleted bool) []Status {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if kind == "" || t.kind == kind {
			tasks = append(tasks, t)
		}
	}
	m.mu.Unlock()

	out := []Status{}
	for _, t := range tasks {
		s := t.status(false)
		if !includeCompleted && s.State == StateComplete {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete removes a task from the registry, cancelling it first when still
// running. Returns "killed" or "deleted" accordingly.
func (m *Manager) Delete(kind, arg string) (string, error) {
	id := taskID(kind, arg)
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%q: %w", id, ErrNotFound)
	}

	t.mu.Lock()
	running := t.state == StateRunning
	t.mu.Unlock()
	if !running {
		return "deleted", nil
	}
	t.cancel()
	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		// The worker is stuck in a call that ignores cancellation. It is
		// detached from the registry either way.
	}
	return "killed", nil
}

// dummyWorker emits one log line per second for n seconds. Used to verify
// the task plumbing end to end.
func dummyWorker(ctx context.Context, arg string, link *Link) error {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return fmt.Errorf("dummy requires a positive integer argument, got %q", arg)
	}
	for i := 1; i <= n; i++ {
		link.Infof("dummy tick %d/%d", i, n)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}
