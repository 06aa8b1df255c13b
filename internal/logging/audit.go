package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditEntry records one applied verdict or pipeline transition: a rating
// reply sent to a client, a scan completion, or a review decision.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // rating, scan, review
	Domain    string    `json:"domain"`
	RequestID int64     `json:"request_id,omitempty"`
	Access    string    `json:"access,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	CacheHit  bool      `json:"cache_hit,omitempty"`
	Enqueued  bool      `json:"enqueued,omitempty"`
}

// AuditLog appends one JSON line per entry to a file. It is safe for
// concurrent use from every endpoint handler.
type AuditLog struct {
	mu      sync.Mutex
	file    *os.File
	console bool
}

var defaultAudit = &AuditLog{}

// Audit returns the process-wide audit log.
func Audit() *AuditLog {
	return defaultAudit
}

// SetOutput opens (or creates) the audit file in append mode.
func (a *AuditLog) SetOutput(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		a.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	a.file = f
	return nil
}

// SetConsole enables or disables a human-readable copy on stdout.
func (a *AuditLog) SetConsole(enabled bool) {
	a.mu.Lock()
	a.console = enabled
	a.mu.Unlock()
}

// Log writes one audit entry. Entries without an open file and with
// console disabled are dropped silently.
func (a *AuditLog) Log(entry *AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry.Timestamp = time.Now()

	if a.console {
		src := ""
		if entry.CacheHit {
			src = " [cache]"
		}
		if entry.Enqueued {
			src += " [enqueued]"
		}
		fmt.Printf("[audit] %s %s request=%d access=%s%s\n",
			entry.Kind, entry.Domain, entry.RequestID, entry.Access, src)
	}

	if a.file != nil {
		data, _ := json.Marshal(entry)
		a.file.Write(append(data, '\n'))
	}
}

// Close closes the audit file.
func (a *AuditLog) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
}
