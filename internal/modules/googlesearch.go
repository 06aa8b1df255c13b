package modules

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// GoogleSearch records how visible a domain is in the Google index via
// the Custom Search JSON API. Domains nobody links to or that were
// scrubbed from the index lean suspicious. Requires an API key and a
// search engine id (option "cx").
type GoogleSearch struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewGoogleSearch(deps Deps) *GoogleSearch {
	cfg := deps.Profile.Get(NameGoogleSearch)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://www.googleapis.com/customsearch/v1"
	}
	return &GoogleSearch{probe: deps.Probe, store: deps.Store, cfg: cfg}
}

func (m *GoogleSearch) Name() string           { return NameGoogleSearch }
func (m *GoogleSearch) Version() int64         { return 1 }
func (m *GoogleSearch) Dependencies() []string { return nil }

func (m *GoogleSearch) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_googlesearch (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		total_results BIGINT NOT NULL,
		top_link TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *GoogleSearch) Select() string {
	return `SELECT total_results, top_link FROM module_googlesearch WHERE request_id = $1`
}

func (m *GoogleSearch) Run(ctx context.Context, task domain.Task, attempt int) error {
	if m.cfg.APIKey == "" {
		return Permanent(errors.New("api key not configured"))
	}
	cx := m.cfg.Options["cx"]
	if cx == "" {
		return Permanent(errors.New("search engine id not configured"))
	}

	var reply struct {
		SearchInformation struct {
			TotalResults string `json:"totalResults"`
		} `json:"searchInformation"`
		Items []struct {
			Link string `json:"link"`
		} `json:"items"`
	}
	u := m.cfg.Endpoint +
		"?key=" + url.QueryEscape(m.cfg.APIKey) +
		"&cx=" + url.QueryEscape(cx) +
		"&q=" + url.QueryEscape(`"`+task.Domain+`"`)
	if err := m.probe.FetchJSON(ctx, u, &reply); err != nil {
		return classify(fmt.Errorf("search lookup: %w", err))
	}

	// The API reports the count as a decimal string.
	total, _ := strconv.ParseInt(reply.SearchInformation.TotalResults, 10, 64)
	topLink := ""
	if len(reply.Items) > 0 {
		topLink = reply.Items[0].Link
	}

	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_googlesearch (request_id, total_results, top_link) VALUES ($1, $2, $3)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, total, topLink)
}
