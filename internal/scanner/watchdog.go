package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
)

// Watchdog polls the retry queue and decides the fate of parked
// entries. Entries still inside their backoff threshold go back to the
// tail so the queue keeps rotating; due entries are handed to the
// scheduler with their restricted module set. One entry is examined per
// tick.
type Watchdog struct {
	scheduler  *Scheduler
	retries    *RetryQueue
	interval   time.Duration
	thresholds []time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewWatchdog wires a watchdog to its scheduler and queue. interval is
// the poll delay; thresholds holds the per-attempt backoff, with the
// last value repeating for attempts past the end.
func NewWatchdog(sched *Scheduler, retries *RetryQueue, interval time.Duration, thresholds []time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if len(thresholds) == 0 {
		thresholds = []time.Duration{time.Minute}
	}
	return &Watchdog{
		scheduler:  sched,
		retries:    retries,
		interval:   interval,
		thresholds: thresholds,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the poll loop.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)

	logging.Op().Info("retry watchdog started",
		"interval", w.interval, "thresholds", w.thresholds)
}

// Stop cancels an in-flight rerun and waits for the loop to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	logging.Op().Info("retry watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll examines the head entry. Young entries move to the tail; due
// entries rerun now, blocking this tick on the scheduler's run lock.
func (w *Watchdog) poll(ctx context.Context) {
	rt, err := w.retries.Pull()
	if err != nil {
		return
	}

	if age := w.now().Sub(rt.EnqueuedAt); age < w.threshold(rt.Attempt) {
		w.retries.Push(rt)
		metrics.RecordRetryDecision("parked")
		return
	}

	metrics.RecordRetryDecision("released")
	logging.Op().Info("retry released",
		"request_id", rt.RequestID, "domain", rt.Domain,
		"attempt", rt.Attempt, "modules", rt.Modules)

	task := domain.Task{RequestID: rt.RequestID, Domain: rt.Domain}
	if err := w.scheduler.Run(ctx, task, rt.Attempt, rt.Modules); err != nil {
		logging.Op().Error("rerun failed",
			"task", task, "attempt", rt.Attempt, "error", err)
	}
}

// threshold returns the backoff for an attempt; past the last
// configured value the last one repeats.
func (w *Watchdog) threshold(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(w.thresholds) {
		idx = len(w.thresholds) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return w.thresholds[idx]
}
