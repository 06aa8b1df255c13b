package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/modules"
	"github.com/oriys/polaris/internal/store"
)

// fakeModule is a scriptable module for registry and scheduler tests.
type fakeModule struct {
	name    string
	deps    []string
	version int64
	run     func(ctx context.Context, task domain.Task, attempt int) error

	mu       sync.Mutex
	attempts []int
}

func newFakeModule(name string, deps ...string) *fakeModule {
	return &fakeModule{name: name, deps: deps, version: 1}
}

func (m *fakeModule) Name() string           { return m.name }
func (m *fakeModule) Version() int64         { return m.version }
func (m *fakeModule) Dependencies() []string { return m.deps }

func (m *fakeModule) Schema() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (request_id BIGINT)",
		modules.TableFor(m.name))
}

func (m *fakeModule) Select() string {
	return fmt.Sprintf("SELECT request_id FROM %s WHERE request_id = $1",
		modules.TableFor(m.name))
}

func (m *fakeModule) Run(ctx context.Context, task domain.Task, attempt int) error {
	m.mu.Lock()
	m.attempts = append(m.attempts, attempt)
	m.mu.Unlock()
	if m.run != nil {
		return m.run(ctx, task, attempt)
	}
	return nil
}

func (m *fakeModule) runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

func (m *fakeModule) lastAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.attempts) == 0 {
		return 0
	}
	return m.attempts[len(m.attempts)-1]
}

func failTransient(msg string) func(context.Context, domain.Task, int) error {
	return func(context.Context, domain.Task, int) error {
		return modules.Transient(errors.New(msg))
	}
}

func failPermanent(msg string) func(context.Context, domain.Task, int) error {
	return func(context.Context, domain.Task, int) error {
		return modules.Permanent(errors.New(msg))
	}
}

// notifyRecorder captures scan-finished notifications.
type notifyRecorder struct {
	mu    sync.Mutex
	tasks []domain.Task
	err   error
}

func (r *notifyRecorder) notify(task domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *notifyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func mustRegistry(t *testing.T, mods ...modules.Module) *Registry {
	t.Helper()
	reg, err := NewRegistry(mods, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func asModules(mods ...*fakeModule) []modules.Module {
	out := make([]modules.Module, len(mods))
	for i, m := range mods {
		out[i] = m
	}
	return out
}

func errorComments(t *testing.T, st *store.MemoryStore, requestID int64) map[string]string {
	t.Helper()
	records, err := st.ErrorsForRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("ErrorsForRequest: %v", err)
	}
	out := make(map[string]string, len(records))
	for _, rec := range records {
		out[rec.Module] = rec.Comment
	}
	return out
}
