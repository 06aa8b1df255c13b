package scanner

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/wire"
)

// WorkerConfig configures the dispatch pull loop.
type WorkerConfig struct {
	// Addr is the coordinator's scan dispatch endpoint.
	Addr        string
	DialTimeout time.Duration
	RedialDelay time.Duration
}

// Worker pulls scan tasks from the coordinator over one long-lived
// dispatch connection and feeds them to the scheduler. Lost connections
// are redialed after a delay. When a run fails before the finished
// notification went out, the worker drops the connection on purpose:
// the coordinator requeues the task it had delivered there.
type Worker struct {
	cfg       WorkerConfig
	scheduler *Scheduler

	mu      sync.Mutex
	conn    net.Conn
	started bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker wires a dispatch pull worker to its scheduler.
func NewWorker(cfg WorkerConfig, sched *Scheduler) *Worker {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = 3 * time.Second
	}
	return &Worker{
		cfg:       cfg,
		scheduler: sched,
		stopCh:    make(chan struct{}),
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

	logging.Op().Info("scan worker started", "dispatch", w.cfg.Addr)
}

// Stop cancels the running scan, closes the dispatch connection to
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
	logging.Op().Info("scan worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", w.cfg.Addr, w.cfg.DialTimeout)
		if err != nil {
			logging.Op().Warn("dial dispatch endpoint",
				"addr", w.cfg.Addr, "error", err)
			if !w.pause() {
				return
			}
			continue
		}

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		logging.Op().Info("dispatch connection established", "addr", w.cfg.Addr)

		shutdown := w.serve(ctx, conn)

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()

		if shutdown {
			logging.Op().Info("coordinator announced shutdown", "addr", w.cfg.Addr)
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
					"addr", w.cfg.Addr, "error", err)
			}
			return false
		}
		if shutdown {
			return true
		}

		task := domain.Task{RequestID: payload.RequestID, Domain: payload.Domain}
		if err := w.scheduler.Run(ctx, task, 1, nil); err != nil {
			logging.Op().Error("scan run failed", "task", task, "error", err)
			return false
		}
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
