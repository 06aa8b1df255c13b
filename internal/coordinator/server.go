// Package coordinator runs the four TCP endpoints of the rating
// pipeline: one-shot rating requests, long-lived scan and review
// dispatch, and one-way completion notifications. One Server owns the
// two work queues, the worker session registry, and the shutdown order
// that snapshots queued work to disk.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/oriys/polaris/internal/cache"
	"github.com/oriys/polaris/internal/config"
	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/queue"
	"github.com/oriys/polaris/internal/ratelimit"
	"github.com/oriys/polaris/internal/session"
	"github.com/oriys/polaris/internal/store"
)

// Endpoint names as they appear in logs and metric labels.
const (
	endpointRating = "rating"
	endpointScan   = "scan_dispatch"
	endpointNotify = "notification"
	endpointReview = "review_dispatch"
)

// Server binds the four endpoints and owns the queues behind them.
type Server struct {
	cfg    config.ServerConfig
	st     store.Store
	scans  *queue.Queue
	checks *queue.Queue

	sessions *session.Registry
	rating   *ratingHandler
	notifier *notifyHandler
	scanDisp *dispatcher
	revDisp  *dispatcher

	mu        sync.Mutex
	started   bool
	closing   chan struct{}
	listeners map[string]net.Listener
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// NewServer wires the endpoints. The verdict cache and the rate
// limiter may be nil when those layers are disabled.
func NewServer(cfg *config.Config, st store.Store, verdicts *cache.Verdicts, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		cfg:       cfg.Server,
		st:        st,
		scans:     queue.New("scan"),
		checks:    queue.New("review"),
		sessions:  session.NewRegistry(),
		closing:   make(chan struct{}),
		listeners: make(map[string]net.Listener),
		conns:     make(map[net.Conn]struct{}),
	}

	s.rating = newRatingHandler(st, verdicts, limiter, s.scans, cfg.Expiry)
	s.notifier = newNotifyHandler(st, s.checks, s.sessions, verdicts)
	s.scanDisp = &dispatcher{
		endpoint:    endpointScan,
		kind:        session.KindScanner,
		queue:       s.scans,
		sessions:    s.sessions,
		pullTimeout: cfg.Server.PullTimeout(),
	}
	s.revDisp = &dispatcher{
		endpoint:    endpointReview,
		kind:        session.KindReviewer,
		queue:       s.checks,
		sessions:    s.sessions,
		pullTimeout: cfg.Server.PullTimeout(),
	}

	return s
}

// Sessions exposes the worker registry for the console.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Restore loads queue snapshots left by a previous run. Entries whose
// request no longer matches a live domain are dropped.
func (s *Server) Restore(ctx context.Context) error {
	accept := func(t domain.Task) bool {
		ok, err := s.st.IsRequestValid(ctx, t.RequestID, t.Domain)
		if err != nil {
			logging.Op().Warn("snapshot entry validation failed", "task", t.String(), "error", err)
			return false
		}
		if !ok {
			logging.Op().Warn("dropping stale snapshot entry", "task", t.String())
		}
		return ok
	}

	for _, target := range []struct {
		path string
		q    *queue.Queue
	}{
		{s.cfg.ScanSnapshotPath, s.scans},
		{s.cfg.ReviewSnapshotPath, s.checks},
	} {
		restored, dropped, err := queue.Restore(target.path, target.q, accept)
		if err != nil {
			return fmt.Errorf("restore %s queue: %w", target.q.Name(), err)
		}
		if restored > 0 || dropped > 0 {
			logging.Op().Info("queue snapshot restored",
				"queue", target.q.Name(), "restored", restored, "dropped", dropped)
		}
		metrics.SetQueueDepth(target.q.Name(), target.q.Len())
	}
	return nil
}

// Start opens the four listeners and begins serving. It returns once
// all endpoints are accepting; the accept loops run until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	s.started = true
	s.mu.Unlock()

	endpoints := []struct {
		name   string
		addr   string
		handle func(net.Conn)
	}{
		{endpointRating, s.cfg.Addr(s.cfg.RatingPort), s.rating.handle},
		{endpointScan, s.cfg.Addr(s.cfg.ScanDispatchPort), s.scanDisp.handle},
		{endpointNotify, s.cfg.Addr(s.cfg.NotificationPort), s.notifier.handle},
		{endpointReview, s.cfg.Addr(s.cfg.ReviewDispatchPort), s.revDisp.handle},
	}

	for _, ep := range endpoints {
		ln, err := listen(ctx, ep.addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen %s on %s: %w", ep.name, ep.addr, err)
		}
		s.mu.Lock()
		s.listeners[ep.name] = ln
		s.mu.Unlock()

		logging.Op().Info("endpoint listening", "endpoint", ep.name, "addr", ln.Addr().String())

		s.wg.Add(1)
		go s.acceptLoop(ln, ep.name, ep.handle)
	}

	return nil
}

// Addr returns the bound address of a named endpoint ("rating",
// "scan_dispatch", "notification", "review_dispatch"), or the empty
// string before Start. With port 0 in the config this is how callers
// learn the ephemeral port.
func (s *Server) Addr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, ok := s.listeners[name]
	if !ok {
		return ""
	}
	return ln.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener, name string, handle func(net.Conn)) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Op().Warn("accept failed", "endpoint", name, "error", err)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()
			handle(conn)
		}()
	}
}

// Shutdown stops accepting, tells pulling workers to shut down, waits
// for live connections, and snapshots both queues. When ctx expires
// before the connections drain, the stragglers are severed; their
// unconfirmed tasks are requeued on the way out and still reach the
// snapshot. Shutdown is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.closing:
		s.mu.Unlock()
		return nil
	default:
		close(s.closing)
	}
	s.mu.Unlock()

	logging.Op().Info("coordinator shutting down")
	s.closeListeners()

	// Dispatch loops observe the closed queues at their next poll and
	// send their workers the shutdown message.
	s.scans.Close()
	s.checks.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Op().Warn("severing lingering connections", "count", s.connCount())
		s.closeConns()
		<-done
	}

	var errs []error
	for _, target := range []struct {
		path string
		q    *queue.Queue
	}{
		{s.cfg.ScanSnapshotPath, s.scans},
		{s.cfg.ReviewSnapshotPath, s.checks},
	} {
		items := target.q.Items()
		if err := queue.Save(target.path, items); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s queue: %w", target.q.Name(), err))
			continue
		}
		logging.Op().Info("queue snapshot written",
			"queue", target.q.Name(), "tasks", len(items), "path", target.path)
	}

	return errors.Join(errs...)
}

// AddDomain inserts a domain on operator request and queues a scan for
// it. Unlike the rating path it does not resolve the name first, so
// operators can stage names ahead of their DNS delegation.
func (s *Server) AddDomain(ctx context.Context, raw string) (int64, error) {
	name := domain.NormalizeName(raw)
	if name == "" {
		return 0, fmt.Errorf("empty domain name")
	}

	domainID, err := s.st.InsertDomain(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("insert domain: %w", err)
	}
	requestID, err := s.st.InsertRequest(ctx, domainID)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}

	s.scans.Push(domain.Task{RequestID: requestID, Domain: name})
	metrics.SetQueueDepth(s.scans.Name(), s.scans.Len())
	logging.Op().Info("scan queued", "domain", name, "request_id", requestID, "source", "console")
	return requestID, nil
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()
}

// listen opens a TCP listener with SO_REUSEADDR set, so a restarting
// coordinator can rebind its ports while old connections linger in
// TIME_WAIT.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.Listen(ctx, "tcp", addr)
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
