package coordinator

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/oriys/polaris/internal/config"
	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/queue"
	"github.com/oriys/polaris/internal/store"
	"github.com/oriys/polaris/internal/wire"
)

func newTestRating(t *testing.T) (*ratingHandler, *store.MemoryStore, *queue.Queue) {
	t.Helper()
	st := store.NewMemoryStore()
	scans := queue.New("scan")
	h := newRatingHandler(st, nil, nil, scans, config.ExpiryConfig{
		DomainExpirationDays:  1,
		RequestExpirationDays: 1,
	})
	h.resolve = func(ctx context.Context, name string) error { return nil }
	return h, st, scans
}

// ratingExchange runs one request/response round against the handler
// over an in-memory pipe. An empty reply means the handler closed the
// connection without answering.
func ratingExchange(t *testing.T, h *ratingHandler, payload string) string {
	t.Helper()

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.handle(server)
		server.Close()
		close(done)
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write([]byte(payload + "\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	sc := wire.NewScanner(client)
	var reply string
	if sc.Scan() {
		reply = sc.Text()
	}
	client.Close()
	<-done
	return reply
}

func ratingRequest(name string) string {
	return `{"request":{"rating":{"domain":"` + name + `"}}}`
}

func TestRatingColdStart(t *testing.T) {
	h, st, scans := newTestRating(t)

	reply := ratingExchange(t, h, ratingRequest("Example.COM"))
	result, msg, err := wire.DecodeRatingResponse([]byte(reply))
	if err != nil || result == nil {
		t.Fatalf("unexpected reply %q (msg %q, err %v)", reply, msg, err)
	}
	if result.Domain != "example.com" {
		t.Fatalf("reply domain = %q, want normalized example.com", result.Domain)
	}
	if result.Access != string(domain.StatePermitted) {
		t.Fatalf("first contact access = %q, want permitted", result.Access)
	}

	d, err := st.FindDomain(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("domain row missing: %v", err)
	}
	r, err := st.LatestRequest(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("request row missing: %v", err)
	}
	if r.State != domain.StateQueued {
		t.Fatalf("request state = %q, want queued", r.State)
	}

	if scans.Len() != 1 {
		t.Fatalf("scan queue depth = %d, want 1", scans.Len())
	}
	task, _ := scans.Pull(0)
	if task.Domain != "example.com" || task.RequestID != r.ID {
		t.Fatalf("queued task = %+v, want request %d for example.com", task, r.ID)
	}
}

func TestRatingFreshVerdictSkipsEnqueue(t *testing.T) {
	h, st, scans := newTestRating(t)
	ctx := context.Background()

	id, _ := st.InsertDomain(ctx, "blocked.test")
	if err := st.UpdateDomain(ctx, "blocked.test", domain.StateDenied, "malware"); err != nil {
		t.Fatalf("seed domain: %v", err)
	}
	if _, err := st.InsertRequest(ctx, id); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	reply := ratingExchange(t, h, ratingRequest("blocked.test"))
	result, _, err := wire.DecodeRatingResponse([]byte(reply))
	if err != nil || result == nil {
		t.Fatalf("unexpected reply %q", reply)
	}
	if result.Access != string(domain.StateDenied) || result.Comment != "malware" {
		t.Fatalf("cached verdict = %q/%q, want denied/malware", result.Access, result.Comment)
	}

	if scans.Len() != 0 {
		t.Fatalf("fresh verdict must not enqueue, queue depth = %d", scans.Len())
	}
	r, _ := st.LatestRequest(ctx, id)
	if r.ID != 1 {
		t.Fatalf("fresh verdict must not create a request, latest id = %d", r.ID)
	}
}

func TestRatingExpiredVerdictRescans(t *testing.T) {
	h, st, scans := newTestRating(t)
	ctx := context.Background()

	id, _ := st.InsertDomain(ctx, "stale.test")
	if err := st.UpdateDomain(ctx, "stale.test", domain.StateDenied, "old finding"); err != nil {
		t.Fatalf("seed domain: %v", err)
	}
	if _, err := st.InsertRequest(ctx, id); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	// Two days later both freshness windows have passed.
	h.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	reply := ratingExchange(t, h, ratingRequest("stale.test"))
	result, _, err := wire.DecodeRatingResponse([]byte(reply))
	if err != nil || result == nil {
		t.Fatalf("unexpected reply %q", reply)
	}
	if result.Access != string(domain.StateDenied) {
		t.Fatalf("stale rows still answer from cache, got %q", result.Access)
	}

	if scans.Len() != 1 {
		t.Fatalf("expired verdict must enqueue a rescan, queue depth = %d", scans.Len())
	}
	task, _ := scans.Pull(0)
	if task.RequestID != 2 {
		t.Fatalf("rescan should ride a new request, got id %d", task.RequestID)
	}
}

func TestRatingExpirationBoundaryIsStrict(t *testing.T) {
	cases := []struct {
		name    string
		age     time.Duration
		rescans bool
	}{
		{"just inside the day", 23*time.Hour + 59*time.Minute, false},
		{"exactly one day", 24 * time.Hour, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, st, scans := newTestRating(t)
			ctx := context.Background()

			id, _ := st.InsertDomain(ctx, "edge.test")
			if _, err := st.InsertRequest(ctx, id); err != nil {
				t.Fatalf("seed request: %v", err)
			}
			d, _ := st.FindDomain(ctx, "edge.test")
			h.now = func() time.Time { return d.UpdatedAt.Add(tc.age) }

			ratingExchange(t, h, ratingRequest("edge.test"))

			enqueued := scans.Len() > 0
			if enqueued != tc.rescans {
				t.Fatalf("age %v: rescan = %v, want %v", tc.age, enqueued, tc.rescans)
			}
		})
	}
}

func TestRatingStaleRequestWindowRescans(t *testing.T) {
	h, st, scans := newTestRating(t)
	h.expiry = config.ExpiryConfig{DomainExpirationDays: 30, RequestExpirationDays: 1}
	ctx := context.Background()

	id, _ := st.InsertDomain(ctx, "aged.test")
	if _, err := st.InsertRequest(ctx, id); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	// The domain row is well inside its 30 day window, but the last
	// request fell out of its one day window.
	h.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	ratingExchange(t, h, ratingRequest("aged.test"))

	if scans.Len() != 1 {
		t.Fatalf("stale request window must rescan, queue depth = %d", scans.Len())
	}
}

func TestRatingMalformedRequest(t *testing.T) {
	h, st, scans := newTestRating(t)

	for _, payload := range []string{
		`{not json`,
		`{"request":{}}`,
		`{"request":{"rating":{}}}`,
	} {
		reply := ratingExchange(t, h, payload)
		_, msg, err := wire.DecodeRatingResponse([]byte(reply))
		if err != nil {
			t.Fatalf("payload %q: unexpected reply %q", payload, reply)
		}
		if msg != wire.MsgInvalidRequest {
			t.Fatalf("payload %q: msg = %q, want %q", payload, msg, wire.MsgInvalidRequest)
		}
	}

	if scans.Len() != 0 {
		t.Fatalf("malformed input enqueued work")
	}
	if _, err := st.FindDomain(context.Background(), ""); err == nil {
		t.Fatal("malformed input created a domain row")
	}
}

func TestRatingUnresolvableDomain(t *testing.T) {
	h, st, scans := newTestRating(t)
	h.resolve = func(ctx context.Context, name string) error {
		return errors.New("no such host")
	}

	reply := ratingExchange(t, h, ratingRequest("gibberish.invalid"))
	_, msg, err := wire.DecodeRatingResponse([]byte(reply))
	if err != nil || msg != wire.MsgInvalidDomain {
		t.Fatalf("reply = %q, want msg %q", reply, wire.MsgInvalidDomain)
	}

	if scans.Len() != 0 {
		t.Fatal("unresolvable domain enqueued work")
	}
	if _, err := st.FindDomain(context.Background(), "gibberish.invalid"); err != store.ErrNotFound {
		t.Fatalf("unresolvable domain created a row: %v", err)
	}
}

func TestRatingNormalizesBeforeLookup(t *testing.T) {
	h, st, _ := newTestRating(t)
	ctx := context.Background()

	if _, err := st.InsertDomain(ctx, "mixed.test"); err != nil {
		t.Fatalf("seed domain: %v", err)
	}
	if err := st.UpdateDomain(ctx, "mixed.test", domain.StateDenied, ""); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	reply := ratingExchange(t, h, ratingRequest("  MIXED.Test. "))
	result, _, err := wire.DecodeRatingResponse([]byte(reply))
	if err != nil || result == nil {
		t.Fatalf("unexpected reply %q", reply)
	}
	if result.Access != string(domain.StateDenied) {
		t.Fatalf("normalization missed the row, access = %q", result.Access)
	}

	if strings.Contains(reply, "MIXED") {
		t.Fatalf("reply leaked the raw spelling: %q", reply)
	}
}
