// Package store persists domains, scan requests, module findings and
// error records. PostgresStore is the production backend; MemoryStore
// backs tests and single-process deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/polaris/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Open constructs the configured backend. backend is "postgres" or
// "memory"; url is only read by postgres.
func Open(ctx context.Context, backend, url string) (Store, error) {
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "":
		return NewPostgresStore(ctx, url)
	default:
		return nil, fmt.Errorf("unknown database backend %q", backend)
	}
}

// Store is the persistence surface shared by the coordinator, the
// scanner and the reviewer.
type Store interface {
	// InsertDomain creates a domain row in the permitted state and
	// returns its id. Inserting an existing name returns the id of
	// the existing row.
	InsertDomain(ctx context.Context, name string) (int64, error)
	UpdateDomain(ctx context.Context, name string, state domain.State, comment string) error
	FindDomain(ctx context.Context, name string) (*domain.Domain, error)

	InsertRequest(ctx context.Context, domainID int64) (int64, error)
	LatestRequest(ctx context.Context, domainID int64) (*domain.Request, error)
	// FindRequest returns one request joined with its domain name.
	FindRequest(ctx context.Context, id int64) (*domain.RequestInfo, error)
	UpdateRequest(ctx context.Context, id int64, state domain.State, comment string) error
	// IsRequestValid reports whether request id exists and belongs to
	// the named domain. Notifications that fail this check are dropped.
	IsRequestValid(ctx context.Context, id int64, domainName string) (bool, error)

	// EnsureModuleTable runs a module's CREATE TABLE IF NOT EXISTS
	// statement. Module result tables are owned by the modules, not
	// by the core schema.
	EnsureModuleTable(ctx context.Context, module, createQuery string) error
	InsertModuleRecord(ctx context.Context, module, insertQuery string, args ...any) error
	// ModuleRows runs a module's select query bound to a request id
	// and returns the rows as column-name keyed maps.
	ModuleRows(ctx context.Context, module, selectQuery string, requestID int64) ([]map[string]any, error)
	ModuleVersion(ctx context.Context, module string) (int64, error)
	SetModuleVersion(ctx context.Context, module string, version int64) error

	InsertError(ctx context.Context, requestID int64, module, comment string) error
	ErrorCount(ctx context.Context, requestID int64) (int, error)
	ErrorsForRequest(ctx context.Context, requestID int64) ([]domain.ErrorRecord, error)
	RequestsByState(ctx context.Context, state domain.State, since, until time.Time, limit int) ([]domain.RequestInfo, error)

	Ping(ctx context.Context) error
	Close() error
}
