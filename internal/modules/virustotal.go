package modules

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// VirusTotal pulls the domain report from the VirusTotal v2 API and
// aggregates scanner verdicts over the URLs seen on the domain.
// Requires an API key.
type VirusTotal struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewVirusTotal(deps Deps) *VirusTotal {
	cfg := deps.Profile.Get(NameVirusTotal)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://www.virustotal.com/vtapi/v2"
	}
	return &VirusTotal{probe: deps.Probe, store: deps.Store, cfg: cfg}
}

func (m *VirusTotal) Name() string           { return NameVirusTotal }
func (m *VirusTotal) Version() int64         { return 2 }
func (m *VirusTotal) Dependencies() []string { return nil }

func (m *VirusTotal) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_virustotal (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		known BOOLEAN NOT NULL,
		positives INT NOT NULL DEFAULT 0,
		total INT NOT NULL DEFAULT 0,
		url_count INT NOT NULL DEFAULT 0,
		categories TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *VirusTotal) Select() string {
	return `SELECT known, positives, total, url_count, categories FROM module_virustotal WHERE request_id = $1`
}

func (m *VirusTotal) Run(ctx context.Context, task domain.Task, attempt int) error {
	if m.cfg.APIKey == "" {
		return Permanent(errors.New("api key not configured"))
	}

	var reply struct {
		ResponseCode int `json:"response_code"`
		DetectedURLs []struct {
			Positives int `json:"positives"`
			Total     int `json:"total"`
		} `json:"detected_urls"`
		Categories []string `json:"categories"`
	}
	u := m.cfg.Endpoint + "/domain/report" +
		"?apikey=" + url.QueryEscape(m.cfg.APIKey) +
		"&domain=" + url.QueryEscape(task.Domain)
	if err := m.probe.FetchJSON(ctx, u, &reply); err != nil {
		return classify(fmt.Errorf("domain report: %w", err))
	}

	known := reply.ResponseCode == 1
	positives, total := 0, 0
	urls := reply.DetectedURLs
	if max := m.cfg.limit(20); len(urls) > max {
		urls = urls[:max]
	}
	for _, du := range urls {
		positives += du.Positives
		total += du.Total
	}

	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_virustotal (request_id, known, positives, total, url_count, categories)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, known, positives, total, len(reply.DetectedURLs),
		strings.Join(reply.Categories, ","))
}
