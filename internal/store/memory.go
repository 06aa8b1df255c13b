package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/polaris/internal/domain"
)

// MemoryStore is an in-process Store used by tests and by deployments
// that run with database.backend set to memory. Module insert queries
// are not parsed; records are kept as opaque argument lists keyed by
// module name, and tests seed readable rows through SeedModuleRows.
type MemoryStore struct {
	mu sync.Mutex

	nextDomainID  int64
	nextRequestID int64
	nextErrorID   int64

	domains  map[string]*domain.Domain
	requests map[int64]*domain.Request
	errors   []domain.ErrorRecord
	versions map[string]int64

	moduleTables  map[string]bool
	moduleRecords map[string][][]any
	moduleRows    map[string]map[int64][]map[string]any
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		domains:       make(map[string]*domain.Domain),
		requests:      make(map[int64]*domain.Request),
		versions:      make(map[string]int64),
		moduleTables:  make(map[string]bool),
		moduleRecords: make(map[string][][]any),
		moduleRows:    make(map[string]map[int64][]map[string]any),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) InsertDomain(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.domains[name]; ok {
		return d.ID, nil
	}

	s.nextDomainID++
	s.domains[name] = &domain.Domain{
		ID:        s.nextDomainID,
		Name:      name,
		State:     domain.StatePermitted,
		UpdatedAt: time.Now(),
	}
	return s.nextDomainID, nil
}

func (s *MemoryStore) UpdateDomain(ctx context.Context, name string, state domain.State, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[name]
	if !ok {
		return ErrNotFound
	}
	d.State = state
	d.Comment = comment
	d.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) FindDomain(ctx context.Context, name string) (*domain.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[name]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *MemoryStore) InsertRequest(ctx context.Context, domainID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRequestID++
	now := time.Now()
	s.requests[s.nextRequestID] = &domain.Request{
		ID:        s.nextRequestID,
		DomainID:  domainID,
		State:     domain.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.nextRequestID, nil
}

func (s *MemoryStore) LatestRequest(ctx context.Context, domainID int64) (*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.Request
	for _, r := range s.requests {
		if r.DomainID != domainID {
			continue
		}
		if latest == nil || r.ID > latest.ID {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (s *MemoryStore) FindRequest(ctx context.Context, id int64) (*domain.RequestInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}

	name := ""
	for n, d := range s.domains {
		if d.ID == r.DomainID {
			name = n
			break
		}
	}

	return &domain.RequestInfo{
		ID:        r.ID,
		Domain:    name,
		State:     r.State,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, id int64, state domain.State, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.State = state
	r.Comment = comment
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) IsRequestValid(ctx context.Context, id int64, domainName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return false, nil
	}
	d, ok := s.domains[domainName]
	if !ok {
		return false, nil
	}
	return r.DomainID == d.ID, nil
}

func (s *MemoryStore) EnsureModuleTable(ctx context.Context, module, createQuery string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.moduleTables[module] = true
	return nil
}

func (s *MemoryStore) InsertModuleRecord(ctx context.Context, module, insertQuery string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.moduleRecords[module] = append(s.moduleRecords[module], args)
	return nil
}

func (s *MemoryStore) ModuleRows(ctx context.Context, module, selectQuery string, requestID int64) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.moduleRows[module][requestID]
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		copied := make(map[string]any, len(row))
		for k, v := range row {
			copied[k] = v
		}
		out = append(out, copied)
	}
	return out, nil
}

func (s *MemoryStore) ModuleVersion(ctx context.Context, module string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[module]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetModuleVersion(ctx context.Context, module string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[module] = version
	return nil
}

func (s *MemoryStore) InsertError(ctx context.Context, requestID int64, module, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextErrorID++
	s.errors = append(s.errors, domain.ErrorRecord{
		ID:        s.nextErrorID,
		RequestID: requestID,
		Module:    module,
		Comment:   comment,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStore) ErrorCount(ctx context.Context, requestID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.errors {
		if e.RequestID == requestID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ErrorsForRequest(ctx context.Context, requestID int64) ([]domain.ErrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ErrorRecord
	for _, e := range s.errors {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) RequestsByState(ctx context.Context, state domain.State, since, until time.Time, limit int) ([]domain.RequestInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 1000
	}

	names := make(map[int64]string, len(s.domains))
	for name, d := range s.domains {
		names[d.ID] = name
	}

	var out []domain.RequestInfo
	for _, r := range s.requests {
		if r.State != state {
			continue
		}
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && r.CreatedAt.After(until) {
			continue
		}
		out = append(out, domain.RequestInfo{
			ID:        r.ID,
			Domain:    names[r.DomainID],
			State:     r.State,
			Comment:   r.Comment,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SeedModuleRows installs rows that ModuleRows will return for a
// module and request. Tests use this to stand in for module selects.
func (s *MemoryStore) SeedModuleRows(module string, requestID int64, rows []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.moduleRows[module] == nil {
		s.moduleRows[module] = make(map[int64][]map[string]any)
	}
	s.moduleRows[module][requestID] = rows
}

// ModuleRecordCount reports how many records a module has inserted.
func (s *MemoryStore) ModuleRecordCount(module string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.moduleRecords[module])
}

// ModuleRecords returns the argument lists a module inserted, in
// order. Tests assert on finding values through this.
func (s *MemoryStore) ModuleRecords(module string) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]any, len(s.moduleRecords[module]))
	copy(out, s.moduleRecords[module])
	return out
}

// HasModuleTable reports whether EnsureModuleTable ran for a module.
func (s *MemoryStore) HasModuleTable(module string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moduleTables[module]
}
