package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
)

// Save writes the tasks to path as one JSON object per line. The file
// is written to a temp file in the same directory and renamed into
// place, so a crash mid-write never corrupts an existing snapshot.
// An empty task list removes the snapshot file instead.
func Save(path string, items []domain.Task) error {
	if len(items) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove empty snapshot: %w", err)
		}
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, t := range items {
		line, err := json.Marshal(t)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("encode snapshot task: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("write temp snapshot: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flush temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	return nil
}

// Restore loads tasks from a snapshot file into the queue, keeping
// only those the accept callback approves. The file is removed after a
// successful load so a later crash cannot replay it. A missing file is
// not an error; the queue simply starts empty. Returns the number of
// restored and dropped tasks.
func Restore(path string, q *Queue, accept func(domain.Task) bool) (restored, dropped int, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t domain.Task
		if err := json.Unmarshal(line, &t); err != nil {
			logging.Op().Warn("skipping malformed snapshot line",
				"queue", q.Name(), "error", err)
			dropped++
			continue
		}
		if t.Domain == "" || t.RequestID <= 0 {
			dropped++
			continue
		}
		if accept != nil && !accept(t) {
			dropped++
			continue
		}
		q.Push(t)
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, dropped, fmt.Errorf("read snapshot: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return restored, dropped, fmt.Errorf("remove loaded snapshot: %w", err)
	}

	return restored, dropped, nil
}
