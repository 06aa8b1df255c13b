// Package queue provides the in-memory FIFO task queues the coordinator
// dispatches from, plus crash-safe snapshots of their contents.
//
// Workers pull from the head and new work lands at the tail. Requeued
// tasks (dropped worker connections, scan-finished requests moving on
// to review) also land at the tail; ordering is FIFO per queue, and
// delivery is at-least-once. Snapshots are written on shutdown and
// loaded on startup so queued work survives restarts.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/oriys/polaris/internal/domain"
)

var (
	// ErrEmpty is returned by Pull when no task arrived within the
	// timeout.
	ErrEmpty = errors.New("queue: empty")
	// ErrClosed is returned by Pull once the queue is shut down.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a mutex-guarded FIFO of scan or review tasks. Pull blocks
// until a task is available, the timeout passes, or the queue closes.
type Queue struct {
	name string

	mu     sync.Mutex
	items  []domain.Task
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// New returns an empty queue. The name is used in logs.
func New(name string) *Queue {
	return &Queue{
		name:   name,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the queue's log name.
func (q *Queue) Name() string { return q.name }

// Push appends a task to the tail and wakes one waiting puller. Push
// never blocks. Pushing after Close is allowed; such tasks are not
// dispatched anymore but are still captured by the final snapshot.
func (q *Queue) Push(t domain.Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pull removes and returns the head task. It blocks until a task is
// available or the timeout elapses, returning ErrEmpty on timeout and
// ErrClosed once the queue has been shut down. A non-positive timeout
// makes a single non-blocking attempt.
func (q *Queue) Pull(timeout time.Duration) (domain.Task, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.Task{}, ErrClosed
		}
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// Keep the wakeup chain alive for other pullers.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return t, nil
		}
		q.mu.Unlock()

		if timeout <= 0 {
			return domain.Task{}, ErrEmpty
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-deadline:
			return domain.Task{}, ErrEmpty
		}
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued tasks in dispatch order.
func (q *Queue) Items() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Task, len(q.items))
	copy(out, q.items)
	return out
}

// Close stops dispatch. Blocked and future Pulls return ErrClosed;
// queued tasks stay in place for the final snapshot.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
}
