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

// WOT fetches the Web of Trust community reputation for the domain.
// Trust and confidence run 0-100; -1 marks a domain the community has
// not rated. Requires an API key.
type WOT struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewWOT(deps Deps) *WOT {
	cfg := deps.Profile.Get(NameWOT)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://api.mywot.com/0.4/public_link_json2"
	}
	return &WOT{probe: deps.Probe, store: deps.Store, cfg: cfg}
}

func (m *WOT) Name() string           { return NameWOT }
func (m *WOT) Version() int64         { return 1 }
func (m *WOT) Dependencies() []string { return nil }

func (m *WOT) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_wot (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		trust INT NOT NULL,
		confidence INT NOT NULL,
		category_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *WOT) Select() string {
	return `SELECT trust, confidence, category_count FROM module_wot WHERE request_id = $1`
}

func (m *WOT) Run(ctx context.Context, task domain.Task, attempt int) error {
	if m.cfg.APIKey == "" {
		return Permanent(errors.New("api key not configured"))
	}

	// The reply is keyed by target host. Component "0" is the
	// trustworthiness pair [score, confidence].
	var reply map[string]struct {
		Target     string         `json:"target"`
		Trust      *[2]int        `json:"0"`
		Categories map[string]int `json:"categories"`
	}
	u := m.cfg.Endpoint +
		"?hosts=" + url.QueryEscape(task.Domain+"/") +
		"&key=" + url.QueryEscape(m.cfg.APIKey)
	if err := m.probe.FetchJSON(ctx, u, &reply); err != nil {
		return classify(fmt.Errorf("reputation lookup: %w", err))
	}

	trust, confidence, categories := -1, -1, 0
	for _, entry := range reply {
		if entry.Trust != nil {
			trust, confidence = entry.Trust[0], entry.Trust[1]
		}
		categories = len(entry.Categories)
		break
	}

	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_wot (request_id, trust, confidence, category_count) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, trust, confidence, categories)
}
