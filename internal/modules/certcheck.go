package modules

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// CertCheck inspects the TLS certificate a domain serves on 443 (or
// the port set in option "port"). A domain without HTTPS is recorded
// as unreachable rather than failed; plenty of legitimate domains
// never serve TLS, and their absence of a certificate is itself a
// finding.
type CertCheck struct {
	probe *probe.Client
	store store.Store
	port  int
	now   func() time.Time
}

func NewCertCheck(deps Deps) *CertCheck {
	port := 443
	if p, err := strconv.Atoi(deps.Profile.Get(NameCertCheck).Options["port"]); err == nil && p > 0 {
		port = p
	}
	return &CertCheck{probe: deps.Probe, store: deps.Store, port: port, now: time.Now}
}

func (m *CertCheck) Name() string           { return NameCertCheck }
func (m *CertCheck) Version() int64         { return 1 }
func (m *CertCheck) Dependencies() []string { return nil }

func (m *CertCheck) Schema() string {
	return `CREATE TABLE IF NOT EXISTS module_certcheck (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		reachable BOOLEAN NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		issuer TEXT NOT NULL DEFAULT '',
		not_after TIMESTAMPTZ,
		expired BOOLEAN NOT NULL DEFAULT FALSE,
		hostname_ok BOOLEAN NOT NULL DEFAULT FALSE,
		self_signed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (request_id)
	)`
}

func (m *CertCheck) Select() string {
	return `SELECT reachable, subject, issuer, not_after, expired, hostname_ok, self_signed
		FROM module_certcheck WHERE request_id = $1`
}

func (m *CertCheck) Run(ctx context.Context, task domain.Task, attempt int) error {
	state, err := m.probe.TLSState(ctx, task.Domain, m.port)
	if err != nil {
		if errors.Is(err, probe.ErrSourceDown) || errors.Is(err, context.DeadlineExceeded) {
			return Transient(err)
		}
		// Refused, reset or no route: the domain serves no TLS.
		return record(ctx, m.store, m.Name(),
			`INSERT INTO module_certcheck (request_id, reachable) VALUES ($1, FALSE)
			 ON CONFLICT (request_id) DO NOTHING`,
			task.RequestID)
	}
	if len(state.PeerCertificates) == 0 {
		return Permanent(errors.New("handshake returned no certificates"))
	}

	cert := state.PeerCertificates[0]
	now := m.now()
	expired := now.After(cert.NotAfter) || now.Before(cert.NotBefore)
	hostnameOK := cert.VerifyHostname(task.Domain) == nil
	selfSigned := len(state.PeerCertificates) == 1 && bytes.Equal(cert.RawIssuer, cert.RawSubject)

	return record(ctx, m.store, m.Name(),
		`INSERT INTO module_certcheck
			(request_id, reachable, subject, issuer, not_after, expired, hostname_ok, self_signed)
		 VALUES ($1, TRUE, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (request_id) DO NOTHING`,
		task.RequestID, cert.Subject.String(), cert.Issuer.String(), cert.NotAfter,
		expired, hostnameOK, selfSigned)
}
