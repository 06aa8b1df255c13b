package modules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/store"
)

var creationDateRes = []*regexp.Regexp{
	regexp.MustCompile(`(?mi)^\s*creation date:\s*(.+?)\s*$`),
	regexp.MustCompile(`(?mi)^\s*created(?: on)?:\s*(.+?)\s*$`),
	regexp.MustCompile(`(?mi)^\s*(?:domain )?registered(?: on)?:\s*(.+?)\s*$`),
	regexp.MustCompile(`(?mi)^\s*registration time:\s*(.+?)\s*$`),
}

var creationDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
	"02.01.2006",
}

// DomainAge derives the registration age of a domain from the whois
// record. Freshly registered domains are a classic abuse signal.
type DomainAge struct {
	store store.Store
}

func NewDomainAge(deps Deps) *DomainAge {
	return &DomainAge{store: deps.Store}
}

func (m *DomainAge) Name() string           { return NameDomainAge }
func (m *DomainAge) Version() int64         { return 1 }
func (m *DomainAge) Dependencies() []string { return []string{NameWhois} }

func (m *DomainAge) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_domainage (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		created_on TEXT NOT NULL DEFAULT '',
		age_days INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *DomainAge) Select() string {
	return `SELECT created_on, age_days FROM module_domainage WHERE request_id = $1`
}

func (m *DomainAge) Run(ctx context.Context, task domain.Task, attempt int) error {
	rows, err := m.store.ModuleRows(ctx, NameWhois, whoisSelectQuery, task.RequestID)
	if err != nil {
		return Transient(fmt.Errorf("read whois findings: %w", err))
	}
	if len(rows) == 0 {
		return Permanent(errors.New("no whois record on file"))
	}
	raw, _ := rows[0]["raw"].(string)

	// Age -1 marks a record without a parseable creation date. Plenty
	// of ccTLD registries publish none.
	createdOn, ageDays := "", -1
	if created, ok := creationDate(raw, time.Now()); ok {
		createdOn = created.Format("2006-01-02")
		ageDays = int(time.Since(created).Hours() / 24)
	}

	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_domainage (request_id, created_on, age_days) VALUES ($1, $2, $3)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, createdOn, ageDays)
}

// creationDate scans a whois record for a creation date in any of the
// common registry formats. Dates in the future are rejected as parse
// artifacts.
func creationDate(raw string, now time.Time) (time.Time, bool) {
	for _, re := range creationDateRes {
		match := re.FindStringSubmatch(raw)
		if match == nil {
			continue
		}
		for _, layout := range creationDateLayouts {
			t, err := time.Parse(layout, match[1])
			if err == nil && !t.After(now) {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
