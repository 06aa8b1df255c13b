package modules

import (
	"context"
	"strings"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// Traceroute measures plain TCP reachability of the resolved addresses
// and records their reverse names. A raw ICMP traceroute needs
// privileges the scanner does not have, so this sticks to connect
// timing on the common web ports.
type Traceroute struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewTraceroute(deps Deps) *Traceroute {
	return &Traceroute{probe: deps.Probe, store: deps.Store, cfg: deps.Profile.Get(NameTraceroute)}
}

func (m *Traceroute) Name() string           { return NameTraceroute }
func (m *Traceroute) Version() int64         { return 1 }
func (m *Traceroute) Dependencies() []string { return []string{NameDNSResolver} }

func (m *Traceroute) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_traceroute (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		ip TEXT NOT NULL,
		ptr TEXT NOT NULL DEFAULT '',
		port INT NOT NULL,
		rtt_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, ip)
	)`
}

func (m *Traceroute) Select() string {
	return `SELECT ip, ptr, port, rtt_ms FROM module_traceroute WHERE request_id = $1`
}

func (m *Traceroute) Run(ctx context.Context, task domain.Task, attempt int) error {
	ips, err := resolvedIPs(ctx, m.store, task.RequestID)
	if err != nil {
		return err
	}
	if max := m.cfg.limit(2); len(ips) > max {
		ips = ips[:max]
	}

	for _, ip := range ips {
		ptr := ""
		if names, err := m.probe.LookupAddr(ctx, ip); err == nil && len(names) > 0 {
			ptr = strings.TrimSuffix(names[0], ".")
		}

		// Port 0 with rtt -1 marks an address that answered on neither
		// web port.
		port, rtt := 0, int64(-1)
		for _, p := range []int{443, 80} {
			start := time.Now()
			if m.probe.PortOpen(ctx, ip, p) {
				port, rtt = p, time.Since(start).Milliseconds()
				break
			}
		}

		err := record(ctx, m.store, m.Name(),
			`INSERT INTO module_traceroute (request_id, ip, ptr, port, rtt_ms) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (request_id, ip) DO NOTHING`,
			task.RequestID, ip, ptr, port, rtt)
		if err != nil {
			return err
		}
	}
	return nil
}
