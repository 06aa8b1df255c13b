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

// IPVoid checks the resolved addresses of a domain against the APIVoid
// IP reputation blocklists. Requires an API key in the module profile.
type IPVoid struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewIPVoid(deps Deps) *IPVoid {
	cfg := deps.Profile.Get(NameIPVoid)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://endpoint.apivoid.com/iprep/v1/pay-as-you-go/"
	}
	return &IPVoid{probe: deps.Probe, store: deps.Store, cfg: cfg}
}

func (m *IPVoid) Name() string           { return NameIPVoid }
func (m *IPVoid) Version() int64         { return 1 }
func (m *IPVoid) Dependencies() []string { return []string{NameDNSResolver} }

func (m *IPVoid) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_ipvoid (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		ip TEXT NOT NULL,
		detections INT NOT NULL,
		engines INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, ip)
	)`
}

func (m *IPVoid) Select() string {
	return `SELECT ip, detections, engines FROM module_ipvoid WHERE request_id = $1`
}

func (m *IPVoid) Run(ctx context.Context, task domain.Task, attempt int) error {
	if m.cfg.APIKey == "" {
		return Permanent(errors.New("api key not configured"))
	}
	ips, err := resolvedIPs(ctx, m.store, task.RequestID)
	if err != nil {
		return err
	}
	if max := m.cfg.limit(2); len(ips) > max {
		ips = ips[:max]
	}

	for _, ip := range ips {
		var reply struct {
			Data struct {
				Report struct {
					Blacklists struct {
						Detections   int `json:"detections"`
						EnginesCount int `json:"engines_count"`
					} `json:"blacklists"`
				} `json:"report"`
			} `json:"data"`
		}
		u := m.cfg.Endpoint + "?key=" + url.QueryEscape(m.cfg.APIKey) + "&ip=" + url.QueryEscape(ip)
		if err := m.probe.FetchJSON(ctx, u, &reply); err != nil {
			return classify(fmt.Errorf("reputation lookup %s: %w", ip, err))
		}
		bl := reply.Data.Report.Blacklists
		err := record(ctx, m.store, m.Name(),
			`INSERT INTO module_ipvoid (request_id, ip, detections, engines) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (request_id, ip) DO NOTHING`,
			task.RequestID, ip, bl.Detections, bl.EnginesCount)
		if err != nil {
			return err
		}
	}
	return nil
}
