package modules

import (
	"context"
	"fmt"
	"net/url"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// GeoIP locates the resolved addresses of a domain.
type GeoIP struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewGeoIP(deps Deps) *GeoIP {
	cfg := deps.Profile.Get(NameGeoIP)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://ip-api.com/json"
	}
	return &GeoIP{probe: deps.Probe, store: deps.Store, cfg: cfg}
}

func (m *GeoIP) Name() string           { return NameGeoIP }
func (m *GeoIP) Version() int64         { return 2 }
func (m *GeoIP) Dependencies() []string { return []string{NameDNSResolver} }

func (m *GeoIP) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_geoip (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		ip TEXT NOT NULL,
		country TEXT NOT NULL DEFAULT '',
		country_code TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		isp TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, ip)
	)`
}

func (m *GeoIP) Select() string {
	return `SELECT ip, country, country_code, region, city, isp FROM module_geoip WHERE request_id = $1`
}

func (m *GeoIP) Run(ctx context.Context, task domain.Task, attempt int) error {
	ips, err := resolvedIPs(ctx, m.store, task.RequestID)
	if err != nil {
		return err
	}
	if max := m.cfg.limit(4); len(ips) > max {
		ips = ips[:max]
	}

	for _, ip := range ips {
		var reply struct {
			Status      string `json:"status"`
			Country     string `json:"country"`
			CountryCode string `json:"countryCode"`
			RegionName  string `json:"regionName"`
			City        string `json:"city"`
			ISP         string `json:"isp"`
		}
		u := m.cfg.Endpoint + "/" + url.PathEscape(ip) +
			"?fields=status,country,countryCode,regionName,city,isp"
		if err := m.probe.FetchJSON(ctx, u, &reply); err != nil {
			return classify(fmt.Errorf("geoip lookup %s: %w", ip, err))
		}
		// Private and reserved addresses come back as "fail".
		if reply.Status != "success" {
			continue
		}
		err := record(ctx, m.store, m.Name(),
			`INSERT INTO module_geoip (request_id, ip, country, country_code, region, city, isp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (request_id, ip) DO NOTHING`,
			task.RequestID, ip, reply.Country, reply.CountryCode, reply.RegionName, reply.City, reply.ISP)
		if err != nil {
			return err
		}
	}
	return nil
}
