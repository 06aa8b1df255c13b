package reviewer

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/modules"
	"github.com/oriys/polaris/internal/store"
	"github.com/oriys/polaris/internal/wire"
)

func TestWorkerPullsEvaluatesAndNotifies(t *testing.T) {
	dispatch, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen dispatch: %v", err)
	}
	defer dispatch.Close()
	notify, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen notify: %v", err)
	}
	defer notify.Close()

	st := store.NewMemoryStore()
	task := domain.Task{RequestID: 21, Domain: "example.com"}
	st.SeedModuleRows(modules.NameGoogleSafeBrowsing, task.RequestID, []map[string]any{
		{"threat_type": "MALWARE"},
	})

	w := NewWorker(WorkerConfig{
		DispatchAddr: dispatch.Addr().String(),
		NotifyAddr:   notify.Addr().String(),
		RedialDelay:  50 * time.Millisecond,
	}, NewPolicy(st))
	w.Start()
	defer w.Stop()

	conn, err := dispatch.Accept()
	if err != nil {
		t.Fatalf("accept dispatch: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	sc := wire.NewScanner(conn)
	if !sc.Scan() {
		t.Fatalf("read pull request: %v", sc.Err())
	}
	if err := wire.ParseTaskRequest(sc.Bytes()); err != nil {
		t.Fatalf("first message is not a task pull: %s", sc.Bytes())
	}
	if err := wire.WriteJSON(conn, wire.TaskResponse(task)); err != nil {
		t.Fatalf("send task: %v", err)
	}

	// The worker dials the notification endpoint with its verdict.
	nconn, err := notify.Accept()
	if err != nil {
		t.Fatalf("accept notification: %v", err)
	}
	defer nconn.Close()
	nconn.SetDeadline(time.Now().Add(5 * time.Second))

	nsc := wire.NewScanner(nconn)
	if !nsc.Scan() {
		t.Fatalf("read notification: %v", nsc.Err())
	}
	scan, review, err := wire.ParseNotification(nsc.Bytes())
	if err != nil || scan != nil || review == nil {
		t.Fatalf("unexpected notification %s (err %v)", nsc.Bytes(), err)
	}
	if review.RequestID != task.RequestID || review.Domain != task.Domain {
		t.Fatalf("verdict for %s#%d, want %s", review.Domain, review.RequestID, task)
	}
	if review.Access != string(domain.StateDenied) {
		t.Fatalf("access = %q, want denied", review.Access)
	}
	if !strings.Contains(review.Comment, "Safe Browsing flags MALWARE") {
		t.Fatalf("comment %q does not carry the signal", review.Comment)
	}

	// The next pull arrives only after the verdict went out.
	if !sc.Scan() {
		t.Fatalf("read second pull: %v", sc.Err())
	}
	if err := wire.ParseTaskRequest(sc.Bytes()); err != nil {
		t.Fatalf("second message is not a task pull: %s", sc.Bytes())
	}

	if err := wire.WriteJSON(conn, wire.MsgResponse(wire.MsgShutdown)); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
}

func TestWorkerStopUnblocksPendingPull(t *testing.T) {
	dispatch, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen dispatch: %v", err)
	}
	defer dispatch.Close()

	w := NewWorker(WorkerConfig{
		DispatchAddr: dispatch.Addr().String(),
		NotifyAddr:   "127.0.0.1:1",
		RedialDelay:  50 * time.Millisecond,
	}, NewPolicy(store.NewMemoryStore()))
	w.Start()

	conn, err := dispatch.Accept()
	if err != nil {
		t.Fatalf("accept dispatch: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Swallow the pull request and never answer, leaving the worker
	// blocked on the reply.
	sc := wire.NewScanner(conn)
	if !sc.Scan() {
		t.Fatalf("read pull request: %v", sc.Err())
	}

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a pull was pending")
	}
}
