package modules

import (
	"context"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// nmapDefaultPorts are the services worth knowing about on a rated
// domain. The profile can override the list per deployment.
var nmapDefaultPorts = []int{21, 22, 25, 80, 110, 143, 443, 465, 587, 993, 995, 3306, 5432, 8080}

// Nmap sweeps a fixed set of TCP ports on the first resolved address.
// Only open ports are recorded.
type Nmap struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewNmap(deps Deps) *Nmap {
	cfg := deps.Profile.Get(NameNmap)
	if len(cfg.Ports) == 0 {
		cfg.Ports = nmapDefaultPorts
	}
	return &Nmap{probe: deps.Probe, store: deps.Store, cfg: cfg}
}

func (m *Nmap) Name() string           { return NameNmap }
func (m *Nmap) Version() int64         { return 1 }
func (m *Nmap) Dependencies() []string { return []string{NameDNSResolver} }

func (m *Nmap) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_nmap (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		ip TEXT NOT NULL,
		port INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, ip, port)
	)`
}

func (m *Nmap) Select() string {
	return `SELECT ip, port FROM module_nmap WHERE request_id = $1 ORDER BY port`
}

func (m *Nmap) Run(ctx context.Context, task domain.Task, attempt int) error {
	ips, err := resolvedIPs(ctx, m.store, task.RequestID)
	if err != nil {
		return err
	}
	if max := m.cfg.limit(1); len(ips) > max {
		ips = ips[:max]
	}

	for _, ip := range ips {
		for _, port := range m.cfg.Ports {
			if err := ctx.Err(); err != nil {
				return Transient(err)
			}
			if !m.probe.PortOpen(ctx, ip, port) {
				continue
			}
			err := record(ctx, m.store, m.Name(),
				`INSERT INTO module_nmap (request_id, ip, port) VALUES ($1, $2, $3)
				 ON CONFLICT (request_id, ip, port) DO NOTHING`,
				task.RequestID, ip, port)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
