package coordinator

import (
	"context"
	"net"
	"time"

	"github.com/oriys/polaris/internal/cache"
	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/queue"
	"github.com/oriys/polaris/internal/session"
	"github.com/oriys/polaris/internal/store"
	"github.com/oriys/polaris/internal/wire"
)

const notifyTimeout = 15 * time.Second

// notifyHandler applies completion notifications. The channel is
// one-way; whatever fails validation is logged and dropped, never
// answered. A scan notice moves the request to scanned and queues it
// for review; a review notice makes the request terminal and rewrites
// the domain's cached verdict, which bumps its freshness window.
type notifyHandler struct {
	st       store.Store
	reviews  *queue.Queue
	sessions *session.Registry
	verdicts *cache.Verdicts
}

func newNotifyHandler(st store.Store, reviews *queue.Queue, sessions *session.Registry, verdicts *cache.Verdicts) *notifyHandler {
	return &notifyHandler{st: st, reviews: reviews, sessions: sessions, verdicts: verdicts}
}

func (h *notifyHandler) handle(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(notifyTimeout))

	sc := wire.NewScanner(conn)
	if !sc.Scan() {
		logging.Op().Debug("notification connection closed before a message",
			"remote", conn.RemoteAddr().String())
		return
	}

	scan, review, err := wire.ParseNotification(sc.Bytes())
	if err != nil {
		metrics.RecordInvalid(endpointNotify, "protocol")
		logging.Op().Warn("discarding malformed notification",
			"remote", conn.RemoteAddr().String(), "message", string(sc.Bytes()))
		return
	}

	switch {
	case scan != nil:
		h.applyScan(ctx, *scan)
	case review != nil:
		h.applyReview(ctx, *review)
	}
}

func (h *notifyHandler) applyScan(ctx context.Context, n wire.ScanNotice) {
	task := domain.Task{RequestID: n.RequestID, Domain: n.Domain}

	ok, err := h.st.IsRequestValid(ctx, n.RequestID, n.Domain)
	if err != nil {
		metrics.RecordNotification("scan", "error")
		logging.Op().Error("scan notification validation failed", "task", task.String(), "error", err)
		return
	}
	if !ok {
		metrics.RecordInvalid(endpointNotify, "unknown_request")
		logging.Op().Warn("discarding scan notification for unknown request", "task", task.String())
		return
	}

	if err := h.st.UpdateRequest(ctx, n.RequestID, domain.StateScanned, ""); err != nil {
		metrics.RecordNotification("scan", "error")
		logging.Op().Error("mark request scanned", "task", task.String(), "error", err)
		return
	}

	h.sessions.CompleteTask(session.KindScanner, task)
	h.reviews.Push(task)
	metrics.SetQueueDepth(h.reviews.Name(), h.reviews.Len())
	metrics.RecordNotification("scan", "applied")
	logging.Audit().Log(&logging.AuditEntry{Kind: "scan", Domain: n.Domain, RequestID: n.RequestID})
	logging.Op().Info("scan finished, queued for review", "task", task.String())
}

func (h *notifyHandler) applyReview(ctx context.Context, n wire.ReviewNotice) {
	task := domain.Task{RequestID: n.RequestID, Domain: n.Domain}

	if !domain.ValidAccess(n.Access) {
		metrics.RecordInvalid(endpointNotify, "bad_access")
		logging.Op().Warn("discarding review with unknown access",
			"task", task.String(), "access", n.Access)
		return
	}

	ok, err := h.st.IsRequestValid(ctx, n.RequestID, n.Domain)
	if err != nil {
		metrics.RecordNotification("review", "error")
		logging.Op().Error("review notification validation failed", "task", task.String(), "error", err)
		return
	}
	if !ok {
		metrics.RecordInvalid(endpointNotify, "unknown_request")
		logging.Op().Warn("discarding review notification for unknown request", "task", task.String())
		return
	}

	state := domain.State(n.Access)
	if err := h.st.UpdateRequest(ctx, n.RequestID, state, n.Comment); err != nil {
		metrics.RecordNotification("review", "error")
		logging.Op().Error("apply review to request", "task", task.String(), "error", err)
		return
	}
	if err := h.st.UpdateDomain(ctx, n.Domain, state, n.Comment); err != nil {
		metrics.RecordNotification("review", "error")
		logging.Op().Error("apply review to domain", "task", task.String(), "error", err)
		return
	}

	h.sessions.CompleteTask(session.KindReviewer, task)
	h.refreshVerdict(ctx, n.Domain)
	metrics.RecordNotification("review", "applied")
	logging.Audit().Log(&logging.AuditEntry{
		Kind:      "review",
		Domain:    n.Domain,
		RequestID: n.RequestID,
		Access:    n.Access,
		Comment:   n.Comment,
	})
	logging.Op().Info("review applied", "task", task.String(), "access", n.Access)
}

// refreshVerdict replaces the cached row with the just-updated one so
// the next rating sees the new verdict without a store read.
func (h *notifyHandler) refreshVerdict(ctx context.Context, name string) {
	if h.verdicts == nil {
		return
	}
	d, err := h.st.FindDomain(ctx, name)
	if err != nil {
		h.verdicts.Forget(ctx, name)
		return
	}
	h.verdicts.Put(ctx, d)
}
