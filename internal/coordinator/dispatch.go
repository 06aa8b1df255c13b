package coordinator

import (
	"context"
	"net"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/metrics"
	"github.com/oriys/polaris/internal/observability"
	"github.com/oriys/polaris/internal/queue"
	"github.com/oriys/polaris/internal/session"
	"github.com/oriys/polaris/internal/wire"
)

// dispatcher serves one long-lived worker connection per handle call.
// Each iteration reads a pull request, blocks on the queue, and
// delivers one task. The delivered task is held as unconfirmed in the
// session registry until the matching completion notification arrives;
// if the connection drops first, the task goes back to the queue tail.
// That is the at-least-once guarantee: a task can be delivered twice,
// but a dropped worker never loses one.
type dispatcher struct {
	endpoint    string
	kind        string
	queue       *queue.Queue
	sessions    *session.Registry
	pullTimeout time.Duration
}

func (d *dispatcher) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sess, err := d.sessions.Add(d.kind, remote)
	if err != nil {
		logging.Op().Warn("rejecting worker with unusable address",
			"endpoint", d.endpoint, "remote", remote, "error", err)
		return
	}
	metrics.SetWorkerSessions(d.kind, d.sessions.Len(d.kind))
	logging.Op().Info("worker connected", "kind", d.kind, "remote", remote, "session", sess.ID)

	defer func() {
		if task, ok := d.sessions.ClearTask(sess.Port); ok {
			d.queue.Push(task)
			metrics.RecordRequeue(d.queue.Name(), "disconnect")
			metrics.SetQueueDepth(d.queue.Name(), d.queue.Len())
			logging.Op().Warn("worker dropped with unconfirmed task, requeued",
				"kind", d.kind, "remote", remote, "task", task.String())
		}
		d.sessions.Remove(sess.Port)
		metrics.SetWorkerSessions(d.kind, d.sessions.Len(d.kind))
		logging.Op().Info("worker disconnected", "kind", d.kind, "remote", remote, "session", sess.ID)
	}()

	sc := wire.NewScanner(conn)
	for {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				logging.Op().Debug("worker read failed", "kind", d.kind, "remote", remote, "error", err)
			}
			return
		}
		if err := wire.ParseTaskRequest(sc.Bytes()); err != nil {
			metrics.RecordInvalid(d.endpoint, "protocol")
			logging.Op().Warn("closing worker after unexpected message",
				"kind", d.kind, "remote", remote, "message", string(sc.Bytes()))
			return
		}

		task, err := d.next()
		if err != nil {
			// The queue only fails closed: the coordinator is
			// shutting down.
			_ = wire.WriteJSON(conn, wire.MsgResponse(wire.MsgShutdown))
			logging.Op().Info("worker told to shut down", "kind", d.kind, "remote", remote)
			return
		}

		if err := d.deliver(conn, sess, task); err != nil {
			d.queue.Push(task)
			metrics.RecordRequeue(d.queue.Name(), "send_failed")
			logging.Op().Warn("task delivery failed, requeued",
				"kind", d.kind, "remote", remote, "task", task.String(), "error", err)
			return
		}
		metrics.RecordDispatch(d.queue.Name())
		metrics.SetQueueDepth(d.queue.Name(), d.queue.Len())
		logging.Op().Info("task dispatched", "kind", d.kind, "remote", remote, "task", task.String())
	}
}

// deliver writes one task to the worker and marks it unconfirmed in the
// session registry.
func (d *dispatcher) deliver(conn net.Conn, sess *session.Session, task domain.Task) error {
	_, span := observability.StartServerSpan(context.Background(), "dispatch.deliver",
		observability.AttrQueue.String(d.queue.Name()),
		observability.AttrDomain.String(task.Domain),
		observability.AttrRequestID.Int64(task.RequestID))
	defer span.End()

	if err := wire.WriteJSON(conn, wire.TaskResponse(task)); err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	d.sessions.SetTask(sess.Port, task)
	observability.SetSpanOK(span)
	return nil
}

// next blocks until a task is available or the queue closes. The
// bounded pull keeps each wait short so shutdown is observed promptly.
func (d *dispatcher) next() (domain.Task, error) {
	for {
		task, err := d.queue.Pull(d.pullTimeout)
		if err == queue.ErrEmpty {
			continue
		}
		return task, err
	}
}
