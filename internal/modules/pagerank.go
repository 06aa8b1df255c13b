package modules

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// GooglePageRank records a link popularity rank for the domain. The
// public PageRank service is long gone, so the endpoint must point at
// a compatible ranking provider and is not defaulted.
type GooglePageRank struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewGooglePageRank(deps Deps) *GooglePageRank {
	return &GooglePageRank{probe: deps.Probe, store: deps.Store, cfg: deps.Profile.Get(NameGooglePageRank)}
}

func (m *GooglePageRank) Name() string           { return NameGooglePageRank }
func (m *GooglePageRank) Version() int64         { return 1 }
func (m *GooglePageRank) Dependencies() []string { return nil }

func (m *GooglePageRank) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_googlepagerank (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		rank INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *GooglePageRank) Select() string {
	return `SELECT rank FROM module_googlepagerank WHERE request_id = $1`
}

func (m *GooglePageRank) Run(ctx context.Context, task domain.Task, attempt int) error {
	if m.cfg.Endpoint == "" {
		return Permanent(errors.New("endpoint not configured"))
	}

	u := m.cfg.Endpoint + "?domain=" + url.QueryEscape(task.Domain)
	if m.cfg.APIKey != "" {
		u += "&key=" + url.QueryEscape(m.cfg.APIKey)
	}
	var reply struct {
		Rank int `json:"rank"`
	}
	if err := m.probe.FetchJSON(ctx, u, &reply); err != nil {
		return classify(fmt.Errorf("rank lookup: %w", err))
	}

	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_googlepagerank (request_id, rank) VALUES ($1, $2)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, reply.Rank)
}
