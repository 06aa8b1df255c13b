package coordinator

import (
	"context"
	"net"
	"time"

	"github.com/oriys/polaris/internal/cache"
	"github.com/oriys/polaris/internal/config"
	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/observability"
	"github.com/oriys/polaris/internal/queue"
	"github.com/oriys/polaris/internal/ratelimit"
	"github.com/oriys/polaris/internal/store"
	"github.com/oriys/polaris/internal/wire"
)

// ratingTimeout bounds one rating exchange end to end, DNS check
// included.
const ratingTimeout = 30 * time.Second

// resolveFunc checks that a name exists in DNS. Tests stub it out.
type resolveFunc func(ctx context.Context, name string) error

// ratingHandler answers one-shot rating requests. Known domains are
// answered from the verdict cache or the store; unknown or expired
// ones additionally get a request row and a scan queue entry, pushed
// only after the reply has gone out.
type ratingHandler struct {
	st       store.Store
	verdicts *cache.Verdicts
	limiter  *ratelimit.Limiter
	scans    *queue.Queue
	expiry   config.ExpiryConfig
	resolve  resolveFunc
	now      func() time.Time
}

func newRatingHandler(st store.Store, verdicts *cache.Verdicts, limiter *ratelimit.Limiter, scans *queue.Queue, expiry config.ExpiryConfig) *ratingHandler {
	return &ratingHandler{
		st:       st,
		verdicts: verdicts,
		limiter:  limiter,
		scans:    scans,
		expiry:   expiry,
		resolve:  resolveName,
		now:      time.Now,
	}
}

func resolveName(ctx context.Context, name string) error {
	_, err := net.DefaultResolver.LookupHost(ctx, name)
	return err
}

func (h *ratingHandler) handle(conn net.Conn) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), ratingTimeout)
	defer cancel()
	_ = conn.SetDeadline(time.Now().Add(ratingTimeout))

	remote := conn.RemoteAddr().String()
	if h.limiter != nil {
		ip, _, err := net.SplitHostPort(remote)
		if err != nil {
			ip = remote
		}
		if !h.limiter.Allow(ctx, ip) {
			metrics.RecordRateLimited()
			logging.Op().Debug("rating connection rate limited", "ip", ip)
			return
		}
	}

	sc := wire.NewScanner(conn)
	if !sc.Scan() {
		logging.Op().Debug("rating connection closed before a request", "remote", remote)
		return
	}

	raw, err := wire.ParseRating(sc.Bytes())
	if err != nil {
		metrics.RecordInvalid(endpointRating, "protocol")
		logging.Op().Warn("malformed rating request", "remote", remote)
		_ = wire.WriteJSON(conn, wire.MsgResponse(wire.MsgInvalidRequest))
		return
	}

	name := domain.NormalizeName(raw)
	if name == "" || h.resolve(ctx, name) != nil {
		metrics.RecordInvalid(endpointRating, "unresolvable")
		logging.Op().Info("rejecting unresolvable domain", "domain", raw, "remote", remote)
		_ = wire.WriteJSON(conn, wire.MsgResponse(wire.MsgInvalidDomain))
		return
	}

	h.serve(ctx, conn, name, remote, start)
}

func (h *ratingHandler) serve(ctx context.Context, conn net.Conn, name, remote string, start time.Time) {
	ctx, span := observability.StartServerSpan(ctx, "rating.serve",
		observability.AttrDomain.String(name))
	defer span.End()

	d, source, err := h.lookup(ctx, name)
	if err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordInvalid(endpointRating, "store_error")
		logging.Op().Error("domain lookup failed", "domain", name, "error", err)
		return
	}

	if d != nil {
		// Reply from the cached row first; the latency-sensitive part
		// is done before any enqueue decision.
		if err := h.reply(conn, name, d.State, d.Comment); err != nil {
			logging.Op().Debug("rating reply failed", "domain", name, "error", err)
		}
		stale := !h.fresh(ctx, d)
		if stale {
			if err := h.enqueue(ctx, d.ID, name); err != nil {
				logging.Op().Error("schedule rescan", "domain", name, "error", err)
			}
		}
		h.audit(name, remote, d.State, d.Comment, source == "cache", stale)
		span.SetAttributes(observability.AttrAccess.String(string(d.State)))
		observability.SetSpanOK(span)
		metrics.RecordRating(string(d.State), source, msSince(start))
		return
	}

	// First contact: the name gets an optimistic permitted verdict
	// until a review says otherwise.
	domainID, err := h.st.InsertDomain(ctx, name)
	if err != nil {
		observability.SetSpanError(span, err)
		metrics.RecordInvalid(endpointRating, "store_error")
		logging.Op().Error("create domain", "domain", name, "error", err)
		return
	}
	if err := h.reply(conn, name, domain.StatePermitted, ""); err != nil {
		logging.Op().Debug("rating reply failed", "domain", name, "error", err)
	}
	if err := h.enqueue(ctx, domainID, name); err != nil {
		logging.Op().Error("schedule scan", "domain", name, "error", err)
	}
	h.audit(name, remote, domain.StatePermitted, "", false, true)
	span.SetAttributes(observability.AttrAccess.String(string(domain.StatePermitted)))
	observability.SetSpanOK(span)
	metrics.RecordRating(string(domain.StatePermitted), "new", msSince(start))
}

func (h *ratingHandler) audit(name, remote string, state domain.State, comment string, cached, enqueued bool) {
	logging.Audit().Log(&logging.AuditEntry{
		Kind:     "rating",
		Domain:   name,
		Access:   string(state),
		Comment:  comment,
		Remote:   remote,
		CacheHit: cached,
		Enqueued: enqueued,
	})
}

// lookup finds the domain row, preferring the verdict cache. A store
// hit warms the cache. Returns nil without error when the domain was
// never seen.
func (h *ratingHandler) lookup(ctx context.Context, name string) (*domain.Domain, string, error) {
	if h.verdicts != nil {
		if d := h.verdicts.Get(ctx, name); d != nil {
			return d, "cache", nil
		}
	}

	d, err := h.st.FindDomain(ctx, name)
	if err == store.ErrNotFound {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if h.verdicts != nil {
		h.verdicts.Put(ctx, d)
	}
	return d, "store", nil
}

// fresh reports whether the stored verdict may be reused without a new
// scan: the domain row was updated inside the domain window and the
// latest request for it lies inside the request window. Lookup
// failures count as stale, so doubt always schedules a rescan.
func (h *ratingHandler) fresh(ctx context.Context, d *domain.Domain) bool {
	now := h.now()
	if !domain.WithinDays(d.UpdatedAt, now, h.expiry.DomainExpirationDays) {
		return false
	}

	r, err := h.st.LatestRequest(ctx, d.ID)
	if err == store.ErrNotFound {
		return false
	}
	if err != nil {
		logging.Op().Warn("latest request lookup failed", "domain", d.Name, "error", err)
		return false
	}
	return domain.WithinDays(r.CreatedAt, now, h.expiry.RequestExpirationDays)
}

func (h *ratingHandler) enqueue(ctx context.Context, domainID int64, name string) error {
	requestID, err := h.st.InsertRequest(ctx, domainID)
	if err != nil {
		return err
	}

	h.scans.Push(domain.Task{RequestID: requestID, Domain: name})
	metrics.SetQueueDepth(h.scans.Name(), h.scans.Len())
	logging.Op().Info("scan queued", "domain", name, "request_id", requestID, "source", "rating")
	return nil
}

func (h *ratingHandler) reply(conn net.Conn, name string, state domain.State, comment string) error {
	return wire.WriteJSON(conn, wire.RatingResponse(wire.RatingResult{
		Domain:  name,
		Access:  string(state),
		Comment: comment,
	}))
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Milliseconds())
}
