// Package session tracks connected scanner and reviewer workers so the
// console can list them and dispatch handlers can account for drops.
package session

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/polaris/internal/domain"
)

// Worker kinds as they appear in console output and logs.
const (
	KindScanner  = "scanner"
	KindReviewer = "reviewer"
)

// Session is one live worker connection. Sessions are keyed by the
// remote source port, which is unique per live TCP connection from a
// given host. Task is the last delivered work item that has not been
// confirmed by a completion notification yet; nil when the worker is
// idle.
type Session struct {
	ID          string
	Kind        string
	RemoteAddr  string
	Port        int
	ConnectedAt time.Time
	Task        *domain.Task
}

// Registry holds the live sessions for one coordinator.
type Registry struct {
	mu     sync.RWMutex
	byPort map[int]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byPort: make(map[int]*Session)}
}

// Add registers a worker connection and returns its session. The
// remote address must carry a port, as net.Conn remote addresses do.
func (r *Registry) Add(kind, remoteAddr string) (*Session, error) {
	_, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("parse remote addr %q: %w", remoteAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse remote port %q: %w", portStr, err)
	}

	s := &Session{
		ID:          uuid.NewString(),
		Kind:        kind,
		RemoteAddr:  remoteAddr,
		Port:        port,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	r.byPort[port] = s
	r.mu.Unlock()

	return s, nil
}

// Remove drops the session for a remote port. Removing an unknown port
// is a no-op.
func (r *Registry) Remove(port int) {
	r.mu.Lock()
	delete(r.byPort, port)
	r.mu.Unlock()
}

// SetTask records the task just delivered to a worker. It stays set
// until a matching completion notification clears it or the session
// drops, in which case the dispatcher requeues it.
func (r *Registry) SetTask(port int, t domain.Task) {
	r.mu.Lock()
	if s, ok := r.byPort[port]; ok {
		s.Task = &t
	}
	r.mu.Unlock()
}

// ClearTask removes and returns the unconfirmed task of a session.
// The second result is false when the session is unknown or idle.
func (r *Registry) ClearTask(port int) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byPort[port]
	if !ok || s.Task == nil {
		return domain.Task{}, false
	}
	t := *s.Task
	s.Task = nil
	return t, true
}

// CompleteTask clears the in-flight record of whichever session of the
// given kind holds exactly this task. It reports whether one did. A
// notification for a task no session holds (late duplicate, or the
// worker already moved on) simply returns false.
func (r *Registry) CompleteTask(kind string, t domain.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.byPort {
		if s.Kind != kind || s.Task == nil {
			continue
		}
		if s.Task.RequestID == t.RequestID && s.Task.Domain == t.Domain {
			s.Task = nil
			return true
		}
	}
	return false
}

// Snapshot returns the sessions of one kind, oldest connection first.
// An empty kind matches all sessions.
func (r *Registry) Snapshot(kind string) []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.byPort))
	for _, s := range r.byPort {
		if kind != "" && s.Kind != kind {
			continue
		}
		copied := *s
		if s.Task != nil {
			t := *s.Task
			copied.Task = &t
		}
		out = append(out, copied)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Port < out[j].Port
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len counts sessions of one kind. An empty kind counts everything.
func (r *Registry) Len(kind string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if kind == "" {
		return len(r.byPort)
	}
	n := 0
	for _, s := range r.byPort {
		if s.Kind == kind {
			n++
		}
	}
	return n
}
