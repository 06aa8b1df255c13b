package scanner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/store"
)

var (
	// ErrRetryEmpty is returned by Pull when no entry is parked.
	ErrRetryEmpty = errors.New("scanner: retry queue empty")
	// ErrRetryClosed is returned by Pull once the queue is shut down.
	ErrRetryClosed = errors.New("scanner: retry queue closed")
)

// RetryQueue is the mutex-guarded FIFO of parked rerun entries. The
// scheduler pushes at the tail, the watchdog pulls from the head on its
// own timer; Pull never blocks. Entries pushed after Close are no
// longer dispensed but still land in the final snapshot.
type RetryQueue struct {
	mu     sync.Mutex
	items  []domain.RetryTask
	closed bool
}

// NewRetryQueue returns an empty retry queue.
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{}
}

// Push appends an entry at the tail.
func (q *RetryQueue) Push(rt domain.RetryTask) {
	q.mu.Lock()
	q.items = append(q.items, rt)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.SetRetryQueueDepth(depth)
}

// Pull removes and returns the head entry.
func (q *RetryQueue) Pull() (domain.RetryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.RetryTask{}, ErrRetryClosed
	}
	if len(q.items) == 0 {
		return domain.RetryTask{}, ErrRetryEmpty
	}

	rt := q.items[0]
	q.items = q.items[1:]
	metrics.SetRetryQueueDepth(len(q.items))
	return rt, nil
}

// Len returns the number of parked entries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the parked entries in queue order.
func (q *RetryQueue) Items() []domain.RetryTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.RetryTask, len(q.items))
	copy(out, q.items)
	return out
}

// Close stops dispensing. Parked entries stay in place for the final
// snapshot.
func (q *RetryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// SaveRetrySnapshot writes the queue's entries to path as one JSON
// object per line, through a temp file renamed into place. An empty
// queue removes the snapshot file instead.
func SaveRetrySnapshot(path string, q *RetryQueue) error {
	items := q.Items()
	if len(items) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove empty retry snapshot: %w", err)
		}
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp retry snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, rt := range items {
		line, err := json.Marshal(rt)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("encode retry entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("write temp retry snapshot: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flush temp retry snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp retry snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace retry snapshot: %w", err)
	}

	return nil
}

// RestoreRetrySnapshot loads entries from path into the queue, keeping
// only well-formed ones the accept callback approves. The file is
// removed after a successful load. A missing file is not an error.
func RestoreRetrySnapshot(path string, q *RetryQueue, accept func(domain.RetryTask) bool) (restored, dropped int, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("open retry snapshot: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rt domain.RetryTask
		if err := json.Unmarshal(line, &rt); err != nil {
			logging.Op().Warn("skipping malformed retry snapshot line", "error", err)
			dropped++
			continue
		}
		if rt.RequestID <= 0 || rt.Domain == "" || rt.Attempt < 1 ||
			len(rt.Modules) == 0 || rt.EnqueuedAt.IsZero() {
			logging.Op().Warn("skipping malformed retry entry",
				"request_id", rt.RequestID, "domain", rt.Domain)
			dropped++
			continue
		}
		if accept != nil && !accept(rt) {
			dropped++
			continue
		}
		q.Push(rt)
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, dropped, fmt.Errorf("read retry snapshot: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return restored, dropped, fmt.Errorf("remove loaded retry snapshot: %w", err)
	}

	return restored, dropped, nil
}

// RetryValidator builds the restore filter for retry snapshots: every
// listed module must be registered, the request must still reference
// the same domain and the entry must be younger than the request
// expiration window.
func RetryValidator(ctx context.Context, st store.Store, reg *Registry, requestExpirationDays int) func(domain.RetryTask) bool {
	return func(rt domain.RetryTask) bool {
		for _, name := range rt.Modules {
			if !reg.Has(name) {
				logging.Op().Warn("dropping retry entry for unregistered module",
					"request_id", rt.RequestID, "domain", rt.Domain, "module", name)
				return false
			}
		}
		ok, err := st.IsRequestValid(ctx, rt.RequestID, rt.Domain)
		if err != nil {
			logging.Op().Warn("dropping retry entry on validation error",
				"request_id", rt.RequestID, "domain", rt.Domain, "error", err)
			return false
		}
		if !ok {
			logging.Op().Warn("dropping retry entry for unknown request",
				"request_id", rt.RequestID, "domain", rt.Domain)
			return false
		}
		if !domain.WithinDays(rt.EnqueuedAt, time.Now(), requestExpirationDays) {
			logging.Op().Warn("dropping expired retry entry",
				"request_id", rt.RequestID, "domain", rt.Domain,
				"enqueued_at", rt.EnqueuedAt)
			return false
		}
		return true
	}
}
