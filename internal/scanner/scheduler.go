package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/modules"
	"github.com/oriys/polaris/internal/observability"
	"github.com/oriys/polaris/internal/store"
)

// Comment texts of scheduler-issued error records.
const (
	cascadeComment = "Module depends on finally failed module"
	expiredComment = "Module expired"
)

// NotifyFunc reports a finished scan to the coordinator.
type NotifyFunc func(task domain.Task) error

// Scheduler executes scan runs. A run launches every target module as
// soon as its dependencies are done and sorts failures into rerunnable
// and final ones: rerunnable subsets are parked on the retry queue with
// a bumped attempt counter, everything else ends the request's scan and
// is reported to the coordinator.
//
// Runs never interleave. One mutex is held from the first module launch
// to the final notification, so module executions for different
// requests cannot mix.
type Scheduler struct {
	registry   *Registry
	store      store.Store
	retries    *RetryQueue
	notify     NotifyFunc
	maxAttempt int

	runMu sync.Mutex
	now   func() time.Time
}

// NewScheduler wires a scheduler to its registry, store, retry queue
// and notification path. maxAttempt caps how often one request may
// enter a run before its remaining modules expire.
func NewScheduler(reg *Registry, st store.Store, retries *RetryQueue, notify NotifyFunc, maxAttempt int) *Scheduler {
	if maxAttempt < 1 {
		maxAttempt = 1
	}
	return &Scheduler{
		registry:   reg,
		store:      st,
		retries:    retries,
		notify:     notify,
		maxAttempt: maxAttempt,
		now:        time.Now,
	}
}

// runState is the shared bookkeeping of one run. The mutex guards the
// sets; module workers signal the condition variable after filing their
// outcome so the run loop can sweep again.
type runState struct {
	mu   sync.Mutex
	cond *sync.Cond

	target    map[string]modules.Module
	pending   map[string]modules.Module
	done      map[string]struct{}
	transient map[string]struct{}
	permanent map[string]struct{}
	cascade   map[string]struct{}
	running   int
}

func newRunState(target map[string]modules.Module) *runState {
	rs := &runState{
		target:    target,
		pending:   make(map[string]modules.Module, len(target)),
		done:      make(map[string]struct{}),
		transient: make(map[string]struct{}),
		permanent: make(map[string]struct{}),
		cascade:   make(map[string]struct{}),
	}
	for name, mod := range target {
		rs.pending[name] = mod
	}
	rs.cond = sync.NewCond(&rs.mu)
	return rs
}

// Run executes one scan run for task. A nil only set runs every
// registered module; a restricted set reruns exactly those modules,
// with modules outside the set counting as satisfied dependencies
// since a rerun is only parked after they succeeded.
func (s *Scheduler) Run(ctx context.Context, task domain.Task, attempt int, only []string) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	target, err := s.targetSet(only)
	if err != nil {
		return err
	}

	ctx, span := observability.StartSpan(ctx, "scan.run",
		observability.AttrDomain.String(task.Domain),
		observability.AttrRequestID.Int64(task.RequestID),
		observability.AttrAttempt.Int(attempt))
	defer span.End()

	start := s.now()
	observability.Logger(span).Info("scan started",
		"task", task, "attempt", attempt, "modules", len(target))

	if attempt > s.maxAttempt {
		s.expire(ctx, task, target)
		metrics.RecordScan("expired", s.msSince(start))
		return nil
	}

	rs := newRunState(target)
	rs.mu.Lock()
	for {
		// A move in one pass can decide the fate of a module checked
		// earlier in that pass, so sweep until stable before waiting.
		for s.sweepLocked(ctx, rs, task, attempt) {
		}
		if len(rs.pending) == 0 && rs.running == 0 {
			break
		}
		rs.cond.Wait()
	}
	rs.settleLocked()
	cascaded := sortedSet(rs.cascade)
	rerun := sortedSet(rs.transient)
	doneCount, failedCount := len(rs.done), len(rs.permanent)
	rs.mu.Unlock()

	for _, name := range cascaded {
		s.reportError(ctx, task.RequestID, name, cascadeComment)
	}
	if len(cascaded) > 0 {
		logging.Op().Error("modules depend on finally failed modules",
			"task", task, "modules", cascaded)
	}

	if len(rerun) > 0 {
		s.retries.Push(domain.RetryTask{
			RequestID:  task.RequestID,
			Domain:     task.Domain,
			Attempt:    attempt + 1,
			Modules:    rerun,
			EnqueuedAt: s.now(),
		})
		logging.Op().Info("scan parked for rerun",
			"task", task, "attempt", attempt, "rerun_modules", rerun)
		metrics.RecordScan("retry", s.msSince(start))
		return nil
	}

	if err := s.notify(task); err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordScan("notify_error", s.msSince(start))
		return fmt.Errorf("report finished scan: %w", err)
	}

	span.SetAttributes(observability.AttrDurationMs.Float64(s.msSince(start)))
	observability.SetSpanOK(span)
	observability.Logger(span).Info("scan finished",
		"task", task, "attempt", attempt, "done", doneCount,
		"failed", failedCount, "cascaded", len(cascaded),
		"elapsed", s.now().Sub(start))
	metrics.RecordScan("finished", s.msSince(start))
	return nil
}

// targetSet resolves the modules of this run. Restricted sets come from
// retry tasks, which are validated on restore, so an unregistered name
// here means the deployment changed under a live queue.
func (s *Scheduler) targetSet(only []string) (map[string]modules.Module, error) {
	if len(only) == 0 {
		target := make(map[string]modules.Module, s.registry.Len())
		for name, mod := range s.registry.modules {
			target[name] = mod
		}
		return target, nil
	}

	target := make(map[string]modules.Module, len(only))
	for _, name := range only {
		mod, ok := s.registry.Get(name)
		if !ok {
			return nil, fmt.Errorf("rerun set names unregistered module %s", name)
		}
		target[name] = mod
	}
	return target, nil
}

// expire files one "Module expired" record per target module. The task
// has used up its attempts and is dropped without requeue or
// notification; the request ages out and a later rating request starts
// a fresh scan.
func (s *Scheduler) expire(ctx context.Context, task domain.Task, target map[string]modules.Module) {
	names := make([]string, 0, len(target))
	for name := range target {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s.reportError(ctx, task.RequestID, name, expiredComment)
	}
	logging.Op().Warn("scan attempts exhausted", "task", task, "modules", names)
	metrics.RecordRetryDecision("expired")
}

// sweepLocked files every pending module whose fate is decided: ready
// ones launch as workers, ones blocked by a finally failed dependency
// cascade, and ones blocked by a rerunnable failure inherit the
// rerunnable status without running. It reports whether anything moved.
// Callers hold rs.mu.
func (s *Scheduler) sweepLocked(ctx context.Context, rs *runState, task domain.Task, attempt int) bool {
	moved := false
	for name, mod := range rs.pending {
		deps := mod.Dependencies()
		switch {
		case rs.satisfiedLocked(deps):
			delete(rs.pending, name)
			rs.running++
			go s.runModule(ctx, rs, task, attempt, mod)
		case intersects(deps, rs.permanent) || intersects(deps, rs.cascade):
			delete(rs.pending, name)
			rs.cascade[name] = struct{}{}
		case intersects(deps, rs.transient):
			delete(rs.pending, name)
			rs.transient[name] = struct{}{}
		default:
			continue
		}
		moved = true
	}
	return moved
}

// runModule executes one module on its own goroutine and files the
// outcome. Probe and persistence calls happen outside the run state
// lock.
func (s *Scheduler) runModule(ctx context.Context, rs *runState, task domain.Task, attempt int, mod modules.Module) {
	name := mod.Name()
	ctx, span := observability.StartSpan(ctx, "module.run",
		observability.AttrModule.String(name))
	defer span.End()

	start := s.now()
	err := mod.Run(ctx, task, attempt)
	elapsed := s.now().Sub(start)

	outcome := "done"
	switch {
	case err == nil:
		observability.SetSpanOK(span)
		logging.Op().Debug("module finished",
			"module", name, "task", task, "elapsed", elapsed)
	case modules.Rerunnable(err):
		outcome = "transient"
		observability.SetSpanError(span, err)
		logging.Op().Warn("module unfinished",
			"module", name, "task", task, "error", err)
	default:
		outcome = "permanent"
		observability.SetSpanError(span, err)
		logging.Op().Error("module failed",
			"module", name, "task", task, "error", err)
		s.reportError(ctx, task.RequestID, name, err.Error())
	}
	metrics.RecordModuleRun(name, outcome, float64(elapsed)/float64(time.Millisecond))

	rs.mu.Lock()
	switch outcome {
	case "done":
		rs.done[name] = struct{}{}
	case "transient":
		rs.transient[name] = struct{}{}
	default:
		rs.permanent[name] = struct{}{}
	}
	rs.running--
	rs.cond.Signal()
	rs.mu.Unlock()
}

// satisfiedLocked reports whether every dependency is done. On a
// restricted rerun, modules outside the target set succeeded in an
// earlier attempt and count as satisfied.
func (rs *runState) satisfiedLocked(deps []string) bool {
	for _, dep := range deps {
		if _, ok := rs.done[dep]; ok {
			continue
		}
		if _, ok := rs.target[dep]; !ok {
			continue
		}
		return false
	}
	return true
}

// settleLocked reruns the cascade check over the rerunnable set until
// stable: a module that failed rerunnably while a dependency failed
// finally in parallel must not be retried either.
func (rs *runState) settleLocked() {
	for changed := true; changed; {
		changed = false
		for name := range rs.transient {
			deps := rs.target[name].Dependencies()
			if intersects(deps, rs.permanent) || intersects(deps, rs.cascade) {
				delete(rs.transient, name)
				rs.cascade[name] = struct{}{}
				changed = true
			}
		}
	}
}

// reportError writes one error record, logging instead of failing the
// run when persistence is unavailable.
func (s *Scheduler) reportError(ctx context.Context, requestID int64, module, comment string) {
	if err := s.store.InsertError(ctx, requestID, module, comment); err != nil {
		logging.Op().Error("record module error",
			"request_id", requestID, "module", module, "error", err)
	}
}

func (s *Scheduler) msSince(start time.Time) float64 {
	return float64(s.now().Sub(start)) / float64(time.Millisecond)
}

func intersects(names []string, set map[string]struct{}) bool {
	for _, n := range names {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
