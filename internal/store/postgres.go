package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/polaris/internal/domain"
)

// PostgresStore keeps all state in PostgreSQL via a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the given DSN, verifies the connection
// and creates the core schema if it does not exist yet.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ensureSchema creates the core tables. Module result tables are
// created separately by the scanner through EnsureModuleTable.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS domains (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id BIGSERIAL PRIMARY KEY,
			domain_id BIGINT NOT NULL REFERENCES domains(id),
			state TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS errors (
			id BIGSERIAL PRIMARY KEY,
			request_id BIGINT NOT NULL REFERENCES requests(id),
			module TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS versions (
			module TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_domain_id ON requests(domain_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_request_id ON errors(request_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// InsertDomain creates a domain in the permitted state. The upsert
// makes concurrent first-contact inserts for the same name safe.
func (s *PostgresStore) InsertDomain(ctx context.Context, name string) (int64, error) {
	query := `INSERT INTO domains (name, state, comment)
		VALUES ($1, $2, '')
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, query, name, domain.StatePermitted).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert domain: %w", err)
	}
	return id, nil
}

// UpdateDomain sets the state and comment of a domain and bumps its
// updated_at timestamp.
func (s *PostgresStore) UpdateDomain(ctx context.Context, name string, state domain.State, comment string) error {
	query := `UPDATE domains SET state = $2, comment = $3, updated_at = now() WHERE name = $1`

	tag, err := s.pool.Exec(ctx, query, name, state, comment)
	if err != nil {
		return fmt.Errorf("update domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindDomain looks a domain up by name.
func (s *PostgresStore) FindDomain(ctx context.Context, name string) (*domain.Domain, error) {
	query := `SELECT id, name, state, comment, updated_at FROM domains WHERE name = $1`

	var d domain.Domain
	err := s.pool.QueryRow(ctx, query, name).Scan(&d.ID, &d.Name, &d.State, &d.Comment, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find domain: %w", err)
	}
	return &d, nil
}

// InsertRequest creates a scan request in the queued state.
func (s *PostgresStore) InsertRequest(ctx context.Context, domainID int64) (int64, error) {
	query := `INSERT INTO requests (domain_id, state, comment) VALUES ($1, $2, '') RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, query, domainID, domain.StateQueued).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	return id, nil
}

// LatestRequest returns the most recent request for a domain.
func (s *PostgresStore) LatestRequest(ctx context.Context, domainID int64) (*domain.Request, error) {
	query := `SELECT id, domain_id, state, comment, created_at, updated_at
		FROM requests WHERE domain_id = $1 ORDER BY id DESC LIMIT 1`

	var r domain.Request
	err := s.pool.QueryRow(ctx, query, domainID).Scan(&r.ID, &r.DomainID, &r.State, &r.Comment, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest request: %w", err)
	}
	return &r, nil
}

// FindRequest returns one request joined with its domain name.
func (s *PostgresStore) FindRequest(ctx context.Context, id int64) (*domain.RequestInfo, error) {
	query := `SELECT r.id, d.name, r.state, r.comment, r.created_at, r.updated_at
		FROM requests r JOIN domains d ON d.id = r.domain_id
		WHERE r.id = $1`

	var ri domain.RequestInfo
	err := s.pool.QueryRow(ctx, query, id).Scan(&ri.ID, &ri.Domain, &ri.State, &ri.Comment, &ri.CreatedAt, &ri.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find request: %w", err)
	}
	return &ri, nil
}

// UpdateRequest sets the state and comment of a request.
func (s *PostgresStore) UpdateRequest(ctx context.Context, id int64, state domain.State, comment string) error {
	query := `UPDATE requests SET state = $2, comment = $3, updated_at = now() WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, state, comment)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IsRequestValid reports whether the request exists and belongs to the
// named domain.
func (s *PostgresStore) IsRequestValid(ctx context.Context, id int64, domainName string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM requests r JOIN domains d ON d.id = r.domain_id
		WHERE r.id = $1 AND d.name = $2
	)`

	var ok bool
	if err := s.pool.QueryRow(ctx, query, id, domainName).Scan(&ok); err != nil {
		return false, fmt.Errorf("validate request: %w", err)
	}
	return ok, nil
}

// EnsureModuleTable runs a module's table creation statement.
func (s *PostgresStore) EnsureModuleTable(ctx context.Context, module, createQuery string) error {
	if _, err := s.pool.Exec(ctx, createQuery); err != nil {
		return fmt.Errorf("ensure %s table: %w", module, err)
	}
	return nil
}

// InsertModuleRecord runs a module's insert statement with its args.
func (s *PostgresStore) InsertModuleRecord(ctx context.Context, module, insertQuery string, args ...any) error {
	if _, err := s.pool.Exec(ctx, insertQuery, args...); err != nil {
		return fmt.Errorf("insert %s record: %w", module, err)
	}
	return nil
}

// ModuleRows runs a module's select statement bound to a request id
// and returns the result set as column-keyed maps.
func (s *PostgresStore) ModuleRows(ctx context.Context, module, selectQuery string, requestID int64) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, selectQuery, requestID)
	if err != nil {
		return nil, fmt.Errorf("select %s rows: %w", module, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", module, err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", module, err)
	}
	return out, nil
}

// ModuleVersion returns the stored schema version for a module.
func (s *PostgresStore) ModuleVersion(ctx context.Context, module string) (int64, error) {
	query := `SELECT version FROM versions WHERE module = $1`

	var v int64
	err := s.pool.QueryRow(ctx, query, module).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("module version: %w", err)
	}
	return v, nil
}

// SetModuleVersion records the schema version for a module.
func (s *PostgresStore) SetModuleVersion(ctx context.Context, module string, version int64) error {
	query := `INSERT INTO versions (module, version) VALUES ($1, $2)
		ON CONFLICT (module) DO UPDATE SET version = $2, updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, module, version); err != nil {
		return fmt.Errorf("set module version: %w", err)
	}
	return nil
}

// InsertError records a module failure against a request.
func (s *PostgresStore) InsertError(ctx context.Context, requestID int64, module, comment string) error {
	query := `INSERT INTO errors (request_id, module, comment) VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, query, requestID, module, comment); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

// ErrorCount returns the number of error records for a request.
func (s *PostgresStore) ErrorCount(ctx context.Context, requestID int64) (int, error) {
	query := `SELECT count(*) FROM errors WHERE request_id = $1`

	var n int
	if err := s.pool.QueryRow(ctx, query, requestID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count errors: %w", err)
	}
	return n, nil
}

// ErrorsForRequest returns all error records for a request, oldest
// first.
func (s *PostgresStore) ErrorsForRequest(ctx context.Context, requestID int64) ([]domain.ErrorRecord, error) {
	query := `SELECT id, request_id, module, comment, created_at
		FROM errors WHERE request_id = $1 ORDER BY id`

	rows, err := s.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("select errors: %w", err)
	}
	defer rows.Close()

	var out []domain.ErrorRecord
	for rows.Next() {
		var e domain.ErrorRecord
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Module, &e.Comment, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", err)
	}
	return out, nil
}

// RequestsByState returns requests in the given state created inside
// the [since, until] window, newest first, joined with their domain
// names. Zero time bounds are treated as unbounded.
func (s *PostgresStore) RequestsByState(ctx context.Context, state domain.State, since, until time.Time, limit int) ([]domain.RequestInfo, error) {
	if since.IsZero() {
		since = time.Unix(0, 0)
	}
	if until.IsZero() {
		until = time.Now().Add(24 * time.Hour)
	}
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT r.id, d.name, r.state, r.comment, r.created_at, r.updated_at
		FROM requests r JOIN domains d ON d.id = r.domain_id
		WHERE r.state = $1 AND r.created_at >= $2 AND r.created_at <= $3
		ORDER BY r.id DESC LIMIT $4`

	rows, err := s.pool.Query(ctx, query, state, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("select requests: %w", err)
	}
	defer rows.Close()

	var out []domain.RequestInfo
	for rows.Next() {
		var ri domain.RequestInfo
		if err := rows.Scan(&ri.ID, &ri.Domain, &ri.State, &ri.Comment, &ri.CreatedAt, &ri.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan request info: %w", err)
		}
		out = append(out, ri)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}
