// Package modules contains the data source modules a scan runs
// against a domain. Each module declares which other modules it needs
// finished first, owns one findings table in the store and classifies
// its failures as either rerunnable or final. The scheduler in
// internal/scanner orders and executes them.
package modules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// Module is one data source in the scan pipeline.
type Module interface {
	// Name is the unique registry name. It is also the suffix of the
	// module's findings table.
	Name() string

	// Version is the revision of the module's logic and schema,
	// reconciled against the store at scanner startup.
	Version() int64

	// Dependencies lists the modules whose findings this module reads.
	// The scheduler launches a module only after every dependency
	// finished successfully.
	Dependencies() []string

	// Schema is the CREATE TABLE IF NOT EXISTS statement for the
	// module's findings table.
	Schema() string

	// Select returns the statement that loads the module's findings
	// for one request, with the request id as $1.
	Select() string

	// Run gathers findings for the task and inserts them. Reruns for
	// the same request must be idempotent; inserts resolve natural-key
	// conflicts by keeping the existing row.
	Run(ctx context.Context, task domain.Task, attempt int) error
}

// ModuleError is a classified module failure. Rerun marks failures
// worth retrying after a backoff, such as an unreachable data source.
// Failures without a ModuleError wrapper are treated as final.
type ModuleError struct {
	Rerun bool
	Err   error
}

func (e *ModuleError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Rerun {
		return "transient module failure"
	}
	return "permanent module failure"
}

func (e *ModuleError) Unwrap() error { return e.Err }

// Transient wraps err as a failure the retry queue should rerun.
func Transient(err error) error {
	return &ModuleError{Rerun: true, Err: err}
}

// Permanent wraps err as a final failure. Dependent modules will be
// marked failed without running.
func Permanent(err error) error {
	return &ModuleError{Rerun: false, Err: err}
}

// Rerunnable reports whether a module failure should be retried.
func Rerunnable(err error) bool {
	var merr *ModuleError
	if errors.As(err, &merr) {
		return merr.Rerun
	}
	return false
}

// TableFor returns the findings table name for a module.
func TableFor(name string) string {
	return "module_" + strings.ToLower(name)
}

// classify sorts an error from the probe layer into transient or
// permanent. Unavailable sources, timeouts and 5xx answers are worth
// retrying; a source that answered and does not know the domain is
// not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var merr *ModuleError
	if errors.As(err, &merr) {
		return err
	}
	if errors.Is(err, probe.ErrSourceDown) {
		return Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	var se *probe.StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusTooManyRequests || se.Code >= 500 {
			return Transient(err)
		}
		return Permanent(err)
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		if de.IsNotFound {
			return Permanent(err)
		}
		return Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient(err)
	}
	return Permanent(err)
}

// record inserts one findings row, marking persistence failures as
// rerunnable. A briefly unreachable database must not burn a final
// failure.
func record(ctx context.Context, st store.Store, module, query string, args ...any) error {
	if err := st.InsertModuleRecord(ctx, module, query, args...); err != nil {
		return Transient(fmt.Errorf("%s: record finding: %w", module, err))
	}
	return nil
}

// resolvedIPs loads the addresses DNSResolver recorded for a request.
// Callers depend on DNSResolver, so by the time they run the findings
// exist; an empty result means they were lost and the run cannot
// proceed.
func resolvedIPs(ctx context.Context, st store.Store, requestID int64) ([]string, error) {
	rows, err := st.ModuleRows(ctx, NameDNSResolver, dnsSelectQuery, requestID)
	if err != nil {
		return nil, Transient(fmt.Errorf("read resolver findings: %w", err))
	}
	ips := make([]string, 0, len(rows))
	for _, row := range rows {
		if ip, _ := row["ip"].(string); ip != "" {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, Permanent(errors.New("no resolved addresses on record"))
	}
	return ips, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
