package modules

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// RobotsTxt fetches /robots.txt and records whether it exists, how
// many paths it hides and whether a sitemap is published. Sites that
// hide everything from crawlers while staying publicly reachable are
// mildly interesting to a reviewer.
type RobotsTxt struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewRobotsTxt(deps Deps) *RobotsTxt {
	return &RobotsTxt{probe: deps.Probe, store: deps.Store, cfg: deps.Profile.Get(NameRobotsTxt)}
}

func (m *RobotsTxt) Name() string           { return NameRobotsTxt }
func (m *RobotsTxt) Version() int64         { return 1 }
func (m *RobotsTxt) Dependencies() []string { return nil }

func (m *RobotsTxt) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_robotstxt (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		present BOOLEAN NOT NULL,
		disallow_count INT NOT NULL DEFAULT 0,
		has_sitemap BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *RobotsTxt) Select() string {
	return `SELECT present, disallow_count, has_sitemap FROM module_robotstxt WHERE request_id = $1`
}

func (m *RobotsTxt) Run(ctx context.Context, task domain.Task, attempt int) error {
	base := "http://" + task.Domain
	if m.cfg.Endpoint != "" {
		base = m.cfg.Endpoint
	}

	body, err := m.probe.FetchText(ctx, base+"/robots.txt")
	if err != nil {
		// Any 4xx means the site answered without one.
		var se *probe.StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return record(ctx, m.store, m.Name(),
				`INSERT INTO module_robotstxt (request_id, present) VALUES ($1, FALSE)
				 ON CONFLICT (request_id) DO NOTHING`,
				task.RequestID)
		}
		return classify(fmt.Errorf("fetch robots.txt: %w", err))
	}

	disallows, sitemap := parseRobots(body)
	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_robotstxt (request_id, present, disallow_count, has_sitemap)
		 VALUES ($1, TRUE, $2, $3)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, disallows, sitemap)
}

func parseRobots(body string) (disallows int, sitemap bool) {
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "disallow:"):
			if strings.TrimSpace(line[len("disallow:"):]) != "" {
				disallows++
			}
		case strings.HasPrefix(lower, "sitemap:"):
			sitemap = true
		}
	}
	return disallows, sitemap
}
