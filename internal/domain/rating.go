package domain

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a domain verdict or a rating request.
//
// Domains only ever hold StatePermitted or StateDenied. Requests walk
// queued -> scanned -> permitted|denied and are immutable once terminal.
type State string

const (
	StateQueued    State = "queued"
	StateScanned   State = "scanned"
	StatePermitted State = "permitted"
	StateDenied    State = "denied"
)

// Terminal reports whether a request state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StatePermitted || s == StateDenied
}

// ValidAccess reports whether s is an acceptable review verdict.
func ValidAccess(s string) bool {
	return State(s) == StatePermitted || State(s) == StateDenied
}

// NormalizeName canonicalizes a domain name: trimmed, lowercased, and
// stripped of a single trailing dot. Rating requests and operator inserts
// go through this before any lookup so "Example.COM. " and "example.com"
// address the same row.
func NormalizeName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	return strings.TrimSuffix(name, ".")
}

// WithinDays reports whether t is fresh relative to now given an
// expiration measured in whole days. The comparison floors the elapsed
// time to days and uses strict inequality, so with expiration 1 an age of
// 23h59m is fresh and an age of exactly 24h is not.
func WithinDays(t, now time.Time, days int) bool {
	elapsed := int(now.Sub(t).Hours() / 24)
	return elapsed < days
}

// Domain is one rated name with its cached verdict.
type Domain struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Comment   string    `json:"comment,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Request is one rating job for a domain.
type Request struct {
	ID        int64     `json:"id"`
	DomainID  int64     `json:"domain_id"`
	State     State     `json:"state"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestInfo is a request joined with its domain name, as listed by the
// console and the viewer.
type RequestInfo struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	State     State     `json:"state"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorRecord is one appended module failure note.
type ErrorRecord struct {
	ID        int64     `json:"id"`
	RequestID int64     `json:"request_id"`
	Module    string    `json:"module"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a scan or review work item. The two queues carry the same shape.
type Task struct {
	RequestID int64  `json:"request_id"`
	Domain    string `json:"domain"`
}

func (t Task) String() string {
	return fmt.Sprintf("%s#%d", t.Domain, t.RequestID)
}

// RetryTask is a scanner-side rerun entry: the transiently failed module
// subset of one request, waiting out its backoff threshold.
type RetryTask struct {
	RequestID  int64     `json:"request_id"`
	Domain     string    `json:"domain"`
	Attempt    int       `json:"attempt"`
	Modules    []string  `json:"modules"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
