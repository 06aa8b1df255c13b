package reviewer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/wire"
)

// WorkerConfig configures the review pull loop.
type WorkerConfig struct {
	// DispatchAddr is the coordinator's review dispatch endpoint.
	DispatchAddr string
	// NotifyAddr is the coordinator's notification endpoint.
	NotifyAddr  string
	DialTimeout time.Duration
	RedialDelay time.Duration
}

// Worker pulls scanned requests over one long-lived dispatch
// connection, evaluates them and reports the verdicts to the
// notification endpoint. When an evaluation or the verdict send fails,
// the worker drops the dispatch connection on purpose: the coordinator
// requeues the task it had delivered there.
type Worker struct {
	cfg    WorkerConfig
	policy *Policy

	mu      sync.Mutex
	conn    net.Conn
	started bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker wires a review pull worker to its policy.
func NewWorker(cfg WorkerConfig, policy *Policy) *Worker {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = 3 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		policy: policy,
		stopCh: make(chan struct{}),
	}
}

// Start launches the pull loop.
func (w *Worker) Start() {
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

	logging.Op().Info("review worker started", "dispatch", w.cfg.DispatchAddr)
}

// Stop cancels a running evaluation, closes the dispatch connection to
// unblock a pending pull and waits for the loop to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.cancel()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()

	w.wg.Wait()
	logging.Op().Info("review worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", w.cfg.DispatchAddr, w.cfg.DialTimeout)
		if err != nil {
			logging.Op().Warn("dial dispatch endpoint",
				"addr", w.cfg.DispatchAddr, "error", err)
			if !w.pause() {
				return
			}
			continue
		}

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		logging.Op().Info("dispatch connection established", "addr", w.cfg.DispatchAddr)

		shutdown := w.serve(ctx, conn)

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()

		if shutdown {
			logging.Op().Info("coordinator announced shutdown", "addr", w.cfg.DispatchAddr)
		}
		if !w.pause() {
			return
		}
	}
}

// serve pulls tasks on one connection until it drops, the coordinator
// announces shutdown or the worker stops. It reports whether shutdown
// was announced.
func (w *Worker) serve(ctx context.Context, conn net.Conn) bool {
	sc := wire.NewScanner(conn)
	for {
		select {
		case <-w.stopCh:
			return false
		default:
		}

		payload, shutdown, err := wire.PullTask(conn, sc)
		if err != nil {
			select {
			case <-w.stopCh:
			default:
				logging.Op().Warn("dispatch pull failed",
					"addr", w.cfg.DispatchAddr, "error", err)
			}
			return false
		}
		if shutdown {
			return true
		}

		task := domain.Task{RequestID: payload.RequestID, Domain: payload.Domain}
		verdict, err := w.policy.Evaluate(ctx, task)
		if err != nil {
			logging.Op().Error("review evaluation failed", "task", task, "error", err)
			return false
		}

		if err := wire.SendReviewFinished(w.cfg.NotifyAddr, w.cfg.DialTimeout,
			task, string(verdict.Access), verdict.Comment); err != nil {
			logging.Op().Error("report review verdict",
				"task", task, "access", verdict.Access, "error", err)
			return false
		}

		metrics.RecordReview(string(verdict.Access))
		logging.Op().Info("review reported",
			"task", task, "access", verdict.Access, "comment", verdict.Comment)
	}
}

// pause sleeps one redial delay, returning false when the worker is
// stopping.
func (w *Worker) pause() bool {
	select {
	case <-w.stopCh:
		return false
	case <-time.After(w.cfg.RedialDelay):
		return true
	}
}
