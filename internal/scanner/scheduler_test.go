package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/store"
)

func newTestScheduler(t *testing.T, rec *notifyRecorder, mods ...*fakeModule) (*Scheduler, *RetryQueue, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := mustRegistry(t, asModules(mods...)...)
	retries := NewRetryQueue()
	return NewScheduler(reg, st, retries, rec.notify, 10), retries, st
}

func TestRunAllSucceed(t *testing.T) {
	a := newFakeModule("A")
	b := newFakeModule("B", "A")
	c := newFakeModule("C", "B")

	rec := &notifyRecorder{}
	sched, retries, st := newTestScheduler(t, rec, a, b, c)

	task := domain.Task{RequestID: 7, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 1, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, m := range []*fakeModule{a, b, c} {
		if m.runs() != 1 {
			t.Fatalf("module %s ran %d times, want 1", m.Name(), m.runs())
		}
		if m.lastAttempt() != 1 {
			t.Fatalf("module %s saw attempt %d, want 1", m.Name(), m.lastAttempt())
		}
	}
	if rec.count() != 1 {
		t.Fatalf("notifications = %d, want 1", rec.count())
	}
	if retries.Len() != 0 {
		t.Fatalf("retry queue holds %d entries, want 0", retries.Len())
	}
	if comments := errorComments(t, st, task.RequestID); len(comments) != 0 {
		t.Fatalf("unexpected error records: %v", comments)
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mark := func(name string) func(context.Context, domain.Task, int) error {
		return func(context.Context, domain.Task, int) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a := newFakeModule("A")
	a.run = mark("A")
	b := newFakeModule("B", "A")
	b.run = mark("B")
	c := newFakeModule("C", "B")
	c.run = mark("C")

	rec := &notifyRecorder{}
	sched, _, _ := newTestScheduler(t, rec, a, b, c)

	task := domain.Task{RequestID: 1, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 1, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"A", "B", "C"}
	if len(order) != len(want) {
		t.Fatalf("execution order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order %v, want %v", order, want)
		}
	}
}

func TestRunIndependentModulesOverlap(t *testing.T) {
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})

	a := newFakeModule("A")
	a.run = func(context.Context, domain.Task, int) error {
		close(aStarted)
		select {
		case <-bStarted:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer never started")
		}
	}
	b := newFakeModule("B")
	b.run = func(context.Context, domain.Task, int) error {
		close(bStarted)
		select {
		case <-aStarted:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer never started")
		}
	}

	rec := &notifyRecorder{}
	sched, _, st := newTestScheduler(t, rec, a, b)

	task := domain.Task{RequestID: 2, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 1, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if comments := errorComments(t, st, task.RequestID); len(comments) != 0 {
		t.Fatalf("independent modules did not overlap: %v", comments)
	}
	if rec.count() != 1 {
		t.Fatalf("notifications = %d, want 1", rec.count())
	}
}

func TestRunPermanentFailureCascades(t *testing.T) {
	a := newFakeModule("A")
	a.run = failPermanent("asn lookup refused")
	b := newFakeModule("B", "A")
	c := newFakeModule("C", "B")

	rec := &notifyRecorder{}
	sched, retries, st := newTestScheduler(t, rec, a, b, c)

	task := domain.Task{RequestID: 3, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 1, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if b.runs() != 0 || c.runs() != 0 {
		t.Fatalf("dependents ran despite failed dependency: B=%d C=%d", b.runs(), c.runs())
	}
	comments := errorComments(t, st, task.RequestID)
	if len(comments) != 3 {
		t.Fatalf("error records = %d, want 3: %v", len(comments), comments)
	}
	if comments["A"] != "asn lookup refused" {
		t.Fatalf("A's record = %q", comments["A"])
	}
	if comments["B"] != cascadeComment || comments["C"] != cascadeComment {
		t.Fatalf("cascade records = %q / %q", comments["B"], comments["C"])
	}
	if retries.Len() != 0 {
		t.Fatal("permanent failure must not park a retry entry")
	}
	if rec.count() != 1 {
		t.Fatalf("notifications = %d, want 1", rec.count())
	}
}

func TestRunTransientFailurePropagates(t *testing.T) {
	a := newFakeModule("A")
	b := newFakeModule("B", "A")
	b.run = failTransient("whois server timed out")
	c := newFakeModule("C", "B")

	rec := &notifyRecorder{}
	sched, retries, st := newTestScheduler(t, rec, a, b, c)

	task := domain.Task{RequestID: 4, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 1, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if a.runs() != 1 {
		t.Fatalf("A ran %d times, want 1", a.runs())
	}
	if c.runs() != 0 {
		t.Fatal("C ran although its dependency failed rerunnably")
	}
	if rec.count() != 0 {
		t.Fatal("a parked run must not report a finished scan")
	}
	if comments := errorComments(t, st, task.RequestID); len(comments) != 0 {
		t.Fatalf("rerunnable failures must not leave error records: %v", comments)
	}

	entries := retries.Items()
	if len(entries) != 1 {
		t.Fatalf("retry entries = %d, want 1", len(entries))
	}
	rt := entries[0]
	if rt.RequestID != task.RequestID || rt.Domain != task.Domain {
		t.Fatalf("retry entry for %s#%d", rt.Domain, rt.RequestID)
	}
	if rt.Attempt != 2 {
		t.Fatalf("retry attempt = %d, want 2", rt.Attempt)
	}
	if len(rt.Modules) != 2 || rt.Modules[0] != "B" || rt.Modules[1] != "C" {
		t.Fatalf("retry modules = %v, want [B C]", rt.Modules)
	}
	if rt.EnqueuedAt.IsZero() {
		t.Fatal("retry entry has no enqueue time")
	}
}

// A restricted rerun treats modules outside the set as satisfied
// dependencies: they succeeded in the attempt that parked the entry.
func TestRunRestrictedRerun(t *testing.T) {
	a := newFakeModule("A")
	b := newFakeModule("B", "A")
	c := newFakeModule("C", "B")

	rec := &notifyRecorder{}
	sched, retries, _ := newTestScheduler(t, rec, a, b, c)

	task := domain.Task{RequestID: 5, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 2, []string{"B", "C"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if a.runs() != 0 {
		t.Fatal("A reran although it was not in the rerun set")
	}
	if b.runs() != 1 || c.runs() != 1 {
		t.Fatalf("rerun executions: B=%d C=%d, want 1/1", b.runs(), c.runs())
	}
	if b.lastAttempt() != 2 || c.lastAttempt() != 2 {
		t.Fatalf("rerun attempts: B=%d C=%d, want 2/2", b.lastAttempt(), c.lastAttempt())
	}
	if rec.count() != 1 {
		t.Fatalf("notifications = %d, want 1", rec.count())
	}
	if retries.Len() != 0 {
		t.Fatalf("retry queue holds %d entries, want 0", retries.Len())
	}
}

func TestRunRestrictedRerunTurnsPermanent(t *testing.T) {
	a := newFakeModule("A")
	b := newFakeModule("B", "A")
	b.run = failPermanent("registry gone")
	c := newFakeModule("C", "B")

	rec := &notifyRecorder{}
	sched, retries, st := newTestScheduler(t, rec, a, b, c)

	task := domain.Task{RequestID: 6, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 2, []string{"B", "C"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if c.runs() != 0 {
		t.Fatal("C ran although B failed finally")
	}
	comments := errorComments(t, st, task.RequestID)
	if comments["B"] != "registry gone" || comments["C"] != cascadeComment {
		t.Fatalf("records = %v", comments)
	}
	if retries.Len() != 0 {
		t.Fatal("final failure must not park another retry entry")
	}
	if rec.count() != 1 {
		t.Fatalf("notifications = %d, want 1", rec.count())
	}
}

// C depends on a fast rerunnable failure and a slow final one. The
// propagation first marks C rerunnable; the settle pass afterwards must
// move it to cascade so it is not retried.
func TestRunSettleMovesTransientToCascade(t *testing.T) {
	a := newFakeModule("A")
	a.run = func(context.Context, domain.Task, int) error {
		time.Sleep(20 * time.Millisecond)
		return errors.New("certificate parse failed")
	}
	b := newFakeModule("B")
	b.run = failTransient("rate limited")
	c := newFakeModule("C", "A", "B")

	rec := &notifyRecorder{}
	sched, retries, st := newTestScheduler(t, rec, a, b, c)

	task := domain.Task{RequestID: 8, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 1, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if c.runs() != 0 {
		t.Fatal("C ran despite failed dependencies")
	}
	comments := errorComments(t, st, task.RequestID)
	if comments["A"] != "certificate parse failed" {
		t.Fatalf("A's record = %q", comments["A"])
	}
	if comments["C"] != cascadeComment {
		t.Fatalf("C's record = %q, want cascade", comments["C"])
	}

	entries := retries.Items()
	if len(entries) != 1 {
		t.Fatalf("retry entries = %d, want 1", len(entries))
	}
	if len(entries[0].Modules) != 1 || entries[0].Modules[0] != "B" {
		t.Fatalf("retry modules = %v, want [B]", entries[0].Modules)
	}
	if rec.count() != 0 {
		t.Fatal("a parked run must not report a finished scan")
	}
}

func TestRunExpiresExhaustedAttempts(t *testing.T) {
	a := newFakeModule("A")
	b := newFakeModule("B", "A")

	rec := &notifyRecorder{}
	sched, retries, st := newTestScheduler(t, rec, a, b)

	task := domain.Task{RequestID: 9, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 11, []string{"A", "B"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if a.runs() != 0 || b.runs() != 0 {
		t.Fatal("expired run must not execute modules")
	}
	comments := errorComments(t, st, task.RequestID)
	if comments["A"] != expiredComment || comments["B"] != expiredComment {
		t.Fatalf("records = %v, want %q for A and B", comments, expiredComment)
	}
	if retries.Len() != 0 {
		t.Fatal("expired run must not requeue")
	}
	if rec.count() != 0 {
		t.Fatal("expired run must not report a finished scan")
	}
}

func TestRunAtAttemptLimitStillRuns(t *testing.T) {
	a := newFakeModule("A")

	rec := &notifyRecorder{}
	sched, _, _ := newTestScheduler(t, rec, a)

	task := domain.Task{RequestID: 10, Domain: "example.com"}
	if err := sched.Run(context.Background(), task, 10, []string{"A"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.runs() != 1 {
		t.Fatalf("A ran %d times at the attempt limit, want 1", a.runs())
	}
	if rec.count() != 1 {
		t.Fatalf("notifications = %d, want 1", rec.count())
	}
}

func TestRunNotifyFailure(t *testing.T) {
	a := newFakeModule("A")

	rec := &notifyRecorder{err: errors.New("notify endpoint down")}
	sched, _, _ := newTestScheduler(t, rec, a)

	task := domain.Task{RequestID: 11, Domain: "example.com"}
	err := sched.Run(context.Background(), task, 1, nil)
	if err == nil || !strings.Contains(err.Error(), "report finished scan") {
		t.Fatalf("expected notification error, got %v", err)
	}
}

func TestRunUnknownRerunModule(t *testing.T) {
	a := newFakeModule("A")

	rec := &notifyRecorder{}
	sched, _, _ := newTestScheduler(t, rec, a)

	task := domain.Task{RequestID: 12, Domain: "example.com"}
	err := sched.Run(context.Background(), task, 2, []string{"Ghost"})
	if err == nil || !strings.Contains(err.Error(), "unregistered module Ghost") {
		t.Fatalf("expected unregistered module error, got %v", err)
	}
}

func TestRunsNeverInterleave(t *testing.T) {
	var inRun atomic.Int32
	var overlapped atomic.Bool

	a := newFakeModule("A")
	a.run = func(context.Context, domain.Task, int) error {
		if inRun.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		inRun.Add(-1)
		return nil
	}

	rec := &notifyRecorder{}
	sched, _, _ := newTestScheduler(t, rec, a)

	var wg sync.WaitGroup
	for i := int64(1); i <= 3; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			task := domain.Task{RequestID: id, Domain: "example.com"}
			if err := sched.Run(context.Background(), task, 1, nil); err != nil {
				t.Errorf("Run(%d): %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatal("module executions from different runs interleaved")
	}
	if rec.count() != 3 {
		t.Fatalf("notifications = %d, want 3", rec.count())
	}
}
