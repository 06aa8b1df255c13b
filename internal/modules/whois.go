package modules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

const (
	whoisSelectQuery = `SELECT server, registrar, raw FROM module_whois WHERE request_id = $1`
	whoisRawMax      = 16 << 10
)

var (
	whoisReferRe     = regexp.MustCompile(`(?mi)^\s*(?:refer|whois server|registrar whois server):\s*(\S+)`)
	whoisRegistrarRe = regexp.MustCompile(`(?mi)^\s*registrar:\s*(.+?)\s*$`)
)

// Whois fetches the registration record of a domain over the whois
// wire protocol. It starts at the IANA root (or the configured server)
// and follows one referral to the registry actually holding the
// record. DomainAge parses its findings.
type Whois struct {
	probe *probe.Client
	store store.Store
	cfg   Settings
}

func NewWhois(deps Deps) *Whois {
	cfg := deps.Profile.Get(NameWhois)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "whois.iana.org:43"
	}
	return &Whois{probe: deps.Probe, store: deps.Store, cfg: cfg}
}

func (m *Whois) Name() string           { return NameWhois }
func (m *Whois) Version() int64         { return 2 }
func (m *Whois) Dependencies() []string { return nil }

func (m *Whois) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_whois (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		server TEXT NOT NULL,
		registrar TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *Whois) Select() string { return whoisSelectQuery }

func (m *Whois) Run(ctx context.Context, task domain.Task, attempt int) error {
	server := m.cfg.Endpoint
	reply, err := m.probe.QueryTCP(ctx, server, task.Domain)
	if err != nil {
		return classify(fmt.Errorf("whois %s: %w", server, err))
	}

	// Follow a single referral. Root and registry servers answer with
	// a pointer to the server holding the full record.
	if ref := referral(reply); ref != "" && ref != server {
		refReply, err := m.probe.QueryTCP(ctx, ref, task.Domain)
		if err == nil && strings.TrimSpace(refReply) != "" {
			server, reply = ref, refReply
		}
	}

	registrar := ""
	if match := whoisRegistrarRe.FindStringSubmatch(reply); match != nil {
		registrar = match[1]
	}

	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_whois (request_id, server, registrar, raw) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, server, registrar, truncate(reply, whoisRawMax))
}

// referral extracts the next whois server from a reply, normalized to
// host:port.
func referral(reply string) string {
	match := whoisReferRe.FindStringSubmatch(reply)
	if match == nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(match[1]), "whois://")
	if host == "" {
		return ""
	}
	if !strings.Contains(host, ":") {
		host += ":43"
	}
	return host
}
