package wire

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/oriys/polaris/internal/domain"
)

// Notify dials addr, sends one notification message, and closes. The
// notification channel is one-way; no reply is read.
func Notify(addr string, timeout time.Duration, msg any) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial notify endpoint: %w", err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	return WriteJSON(conn, msg)
}

// SendScanFinished reports a completed scan run to the coordinator.
func SendScanFinished(addr string, timeout time.Duration, task domain.Task) error {
	return Notify(addr, timeout, ScanFinished(task))
}

// SendReviewFinished reports a review verdict to the coordinator.
func SendReviewFinished(addr string, timeout time.Duration, task domain.Task, access, comment string) error {
	return Notify(addr, timeout, ReviewFinished(task, access, comment))
}

// PullTask performs one pull iteration on a long-lived dispatch
// connection: send {"request":"task"}, then block until the coordinator
// delivers a task or a shutdown message. The coordinator holds the reply
// while its queue is empty, so no read deadline is set here.
func PullTask(conn net.Conn, scanner *bufio.Scanner) (*TaskPayload, bool, error) {
	if err := WriteJSON(conn, TaskRequest()); err != nil {
		return nil, false, err
	}
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, false, fmt.Errorf("read dispatch response: %w", err)
		}
		return nil, false, fmt.Errorf("dispatch connection closed")
	}
	task, msg, err := DecodeResponse(scanner.Bytes())
	if err != nil {
		return nil, false, err
	}
	if task != nil {
		return task, false, nil
	}
	if msg == MsgShutdown {
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("unexpected dispatch reply %q", msg)
}
