package modules

import (
	"context"
	"fmt"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

const dnsSelectQuery = `SELECT ip, family FROM module_dnsresolver WHERE request_id = $1 ORDER BY id`

// DNSResolver records the A and AAAA records of a domain. Every
// address-based module depends on it; a domain that does not resolve
// fails the whole address branch of the scan.
type DNSResolver struct {
	probe *probe.Client
	store store.Store
}

func NewDNSResolver(deps Deps) *DNSResolver {
	return &DNSResolver{probe: deps.Probe, store: deps.Store}
}

func (m *DNSResolver) Name() string           { return NameDNSResolver }
func (m *DNSResolver) Version() int64         { return 3 }
func (m *DNSResolver) Dependencies() []string { return nil }

func (m *DNSResolver) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_dnsresolver (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		ip TEXT NOT NULL,
		family TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, ip)
	)`
}

func (m *DNSResolver) Select() string { return dnsSelectQuery }

func (m *DNSResolver) Run(ctx context.Context, task domain.Task, attempt int) error {
	ips, err := m.probe.LookupIP(ctx, task.Domain)
	if err != nil {
		return classify(fmt.Errorf("resolve %s: %w", task.Domain, err))
	}
	if len(ips) == 0 {
		return Permanent(fmt.Errorf("%s has no addresses", task.Domain))
	}

	for _, ip := range ips {
		family := "v4"
		if ip.To4() == nil {
			family = "v6"
		}
		err := record(ctx, m.store, m.Name(),
			`INSERT INTO module_dnsresolver (request_id, ip, family) VALUES ($1, $2, $3)
			 ON CONFLICT (request_id, ip) DO NOTHING`,
			task.RequestID, ip.String(), family)
		if err != nil {
			return err
		}
	}
	return nil
}
