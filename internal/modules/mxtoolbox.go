package modules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// MXToolbox records the mail exchangers of a domain. A domain without
// MX records simply yields no rows.
type MXToolbox struct {
	probe *probe.Client
	store store.Store
}

func NewMXToolbox(deps Deps) *MXToolbox {
	return &MXToolbox{probe: deps.Probe, store: deps.Store}
}

func (m *MXToolbox) Name() string           { return NameMXToolbox }
func (m *MXToolbox) Version() int64         { return 1 }
func (m *MXToolbox) Dependencies() []string { return []string{NameDNSResolver} }

func (m *MXToolbox) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_mxtoolbox (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		mx_host TEXT NOT NULL,
		preference INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id, mx_host)
	)`
}

func (m *MXToolbox) Select() string {
	return `SELECT mx_host, preference FROM module_mxtoolbox WHERE request_id = $1 ORDER BY preference`
}

func (m *MXToolbox) Run(ctx context.Context, task domain.Task, attempt int) error {
	mxs, err := m.probe.LookupMX(ctx, task.Domain)
	if err != nil {
		// The name itself resolves, DNSResolver ran first. A not-found
		// answer here just means the domain publishes no MX records.
		var de *net.DNSError
		if errors.As(err, &de) && de.IsNotFound {
			return nil
		}
		return classify(fmt.Errorf("mx lookup %s: %w", task.Domain, err))
	}

	for _, mx := range mxs {
		err := record(ctx, m.store, m.Name(),
			`INSERT INTO module_mxtoolbox (request_id, mx_host, preference) VALUES ($1, $2, $3)
			 ON CONFLICT (request_id, mx_host) DO NOTHING`,
			task.RequestID, strings.TrimSuffix(mx.Host, "."), int(mx.Pref))
		if err != nil {
			return err
		}
	}
	return nil
}
