package modules

import (
	"context"
	"fmt"
	"net/url"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// ASN maps the resolved addresses of a domain to the autonomous
// systems announcing them, via the RIPEstat prefix overview API.
type ASN struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewASN(deps Deps) *ASN {
	cfg := deps.Profile.Get(NameASN)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://stat.ripe.net/data/prefix-overview/data.json"
	}
	return &ASN{probe: deps.Probe, store: deps.Store, cfg: cfg}
}

func (m *ASN) Name() string           { return NameASN }
func (m *ASN) Version() int64         { return 1 }
func (m *ASN) Dependencies() []string { return []string{NameDNSResolver} }

func (m *ASN) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_asn (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		ip TEXT NOT NULL,
		asn BIGINT NOT NULL,
		holder TEXT NOT NULL DEFAULT '',
		prefix TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, ip)
	)`
}

func (m *ASN) Select() string {
	return `SELECT ip, asn, holder, prefix FROM module_asn WHERE request_id = $1`
}

func (m *ASN) Run(ctx context.Context, task domain.Task, attempt int) error {
	ips, err := resolvedIPs(ctx, m.store, task.RequestID)
	if err != nil {
		return err
	}
	if max := m.cfg.limit(4); len(ips) > max {
		ips = ips[:max]
	}

	for _, ip := range ips {
		var reply struct {
			Data struct {
				Resource string `json:"resource"`
				ASNs     []struct {
					ASN    int64  `json:"asn"`
					Holder string `json:"holder"`
				} `json:"asns"`
			} `json:"data"`
		}
		u := m.cfg.Endpoint + "?resource=" + url.QueryEscape(ip)
		if err := m.probe.FetchJSON(ctx, u, &reply); err != nil {
			return classify(fmt.Errorf("asn lookup %s: %w", ip, err))
		}
		if len(reply.Data.ASNs) == 0 {
			continue
		}
		origin := reply.Data.ASNs[0]
		err := record(ctx, m.store, m.Name(),
			`INSERT INTO module_asn (request_id, ip, asn, holder, prefix) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (request_id, ip) DO NOTHING`,
			task.RequestID, ip, origin.ASN, origin.Holder, reply.Data.Resource)
		if err != nil {
			return err
		}
	}
	return nil
}
