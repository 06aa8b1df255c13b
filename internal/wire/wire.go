// Package wire implements the JSON line protocol spoken on the four
// coordinator endpoints. Messages are single JSON objects terminated by a
// newline; a message never exceeds MaxMessageSize.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/oriys/polaris/internal/domain"
)

// MaxMessageSize caps one wire message. The reference stack read 1 KiB;
// this implementation accepts up to 64 KiB per message.
const MaxMessageSize = 64 * 1024

// Reply text constants.
const (
	MsgInvalidRequest = "invalid request"
	MsgInvalidDomain  = "invalid domain"
	MsgShutdown       = "shutdown"
)

// ErrInvalid marks a protocol violation: malformed JSON, a missing
// required field, or an unknown message shape.
var ErrInvalid = errors.New("wire: invalid message")

// NewScanner wraps a connection with the protocol's line reader.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxMessageSize)
	return s
}

// WriteJSON marshals v and writes it as one newline-terminated message.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// RatingQuery is the body of a client rating request.
type RatingQuery struct {
	Domain string `json:"domain"`
}

// RatingResult is the verdict returned to a rating client.
type RatingResult struct {
	Domain  string `json:"domain"`
	Access  string `json:"access"`
	Comment string `json:"comment,omitempty"`
}

// TaskPayload is a delivered work item.
type TaskPayload struct {
	Domain    string `json:"domain"`
	RequestID int64  `json:"request_id"`
}

// ScanNotice reports a finished scan.
type ScanNotice struct {
	Domain    string `json:"domain"`
	RequestID int64  `json:"request_id"`
}

// ReviewNotice reports a finished review. Comment may be absent on the
// wire; absent decodes as the empty string.
type ReviewNotice struct {
	Domain    string `json:"domain"`
	RequestID int64  `json:"request_id"`
	Access    string `json:"access"`
	Comment   string `json:"comment"`
}

type requestEnvelope struct {
	Request json.RawMessage `json:"request"`
}

type ratingRequestBody struct {
	Rating *RatingQuery `json:"rating"`
}

type notificationEnvelope struct {
	Notification json.RawMessage `json:"notification"`
}

type notificationBody struct {
	Scan   *ScanNotice   `json:"scan"`
	Review *ReviewNotice `json:"review"`
}

// ParseRating extracts the domain from {"request":{"rating":{"domain":D}}}.
func ParseRating(line []byte) (string, error) {
	var env requestEnvelope
	if err := json.Unmarshal(line, &env); err != nil || len(env.Request) == 0 {
		return "", ErrInvalid
	}
	var body ratingRequestBody
	if err := json.Unmarshal(env.Request, &body); err != nil || body.Rating == nil {
		return "", ErrInvalid
	}
	if body.Rating.Domain == "" {
		return "", ErrInvalid
	}
	return body.Rating.Domain, nil
}

// ParseTaskRequest validates a worker pull message {"request":"task"}.
func ParseTaskRequest(line []byte) error {
	var env requestEnvelope
	if err := json.Unmarshal(line, &env); err != nil || len(env.Request) == 0 {
		return ErrInvalid
	}
	var kind string
	if err := json.Unmarshal(env.Request, &kind); err != nil || kind != "task" {
		return ErrInvalid
	}
	return nil
}

// ParseNotification decodes a scan or review notification. Exactly one of
// the returned pointers is non-nil on success.
func ParseNotification(line []byte) (*ScanNotice, *ReviewNotice, error) {
	var env notificationEnvelope
	if err := json.Unmarshal(line, &env); err != nil || len(env.Notification) == 0 {
		return nil, nil, ErrInvalid
	}
	var body notificationBody
	if err := json.Unmarshal(env.Notification, &body); err != nil {
		return nil, nil, ErrInvalid
	}
	switch {
	case body.Scan != nil && body.Review == nil:
		if body.Scan.Domain == "" || body.Scan.RequestID <= 0 {
			return nil, nil, ErrInvalid
		}
		return body.Scan, nil, nil
	case body.Review != nil && body.Scan == nil:
		if body.Review.Domain == "" || body.Review.RequestID <= 0 {
			return nil, nil, ErrInvalid
		}
		return nil, body.Review, nil
	default:
		return nil, nil, ErrInvalid
	}
}

type responseEnvelope struct {
	Response any `json:"response"`
}

type ratingResponseBody struct {
	Rating RatingResult `json:"rating"`
}

type msgResponseBody struct {
	Msg string `json:"msg"`
}

type taskResponseBody struct {
	Task TaskPayload `json:"task"`
}

// RatingResponse builds {"response":{"rating":{...}}}.
func RatingResponse(result RatingResult) any {
	return responseEnvelope{Response: ratingResponseBody{Rating: result}}
}

// MsgResponse builds {"response":{"msg":M}}.
func MsgResponse(msg string) any {
	return responseEnvelope{Response: msgResponseBody{Msg: msg}}
}

// TaskResponse builds {"response":{"task":{...}}}.
func TaskResponse(task domain.Task) any {
	return responseEnvelope{Response: taskResponseBody{Task: TaskPayload{
		Domain:    task.Domain,
		RequestID: task.RequestID,
	}}}
}

// TaskRequest builds the worker pull message {"request":"task"}.
func TaskRequest() any {
	return map[string]string{"request": "task"}
}

// ScanFinished builds a scan completion notification.
func ScanFinished(task domain.Task) any {
	return map[string]any{"notification": map[string]any{"scan": ScanNotice{
		Domain:    task.Domain,
		RequestID: task.RequestID,
	}}}
}

// ReviewFinished builds a review completion notification.
func ReviewFinished(task domain.Task, access, comment string) any {
	body := map[string]any{
		"domain":     task.Domain,
		"request_id": task.RequestID,
		"access":     access,
	}
	if comment != "" {
		body["comment"] = comment
	}
	return map[string]any{"notification": map[string]any{"review": body}}
}

// DecodeResponse reads one response line for a worker: a task payload, a
// shutdown (or other msg) string, or an error.
func DecodeResponse(line []byte) (*TaskPayload, string, error) {
	var env struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(line, &env); err != nil || len(env.Response) == 0 {
		return nil, "", ErrInvalid
	}
	var body struct {
		Task *TaskPayload `json:"task"`
		Msg  string       `json:"msg"`
	}
	if err := json.Unmarshal(env.Response, &body); err != nil {
		return nil, "", ErrInvalid
	}
	if body.Task != nil {
		return body.Task, "", nil
	}
	if body.Msg != "" {
		return nil, body.Msg, nil
	}
	return nil, "", ErrInvalid
}

// DecodeRatingResponse reads one rating reply: a verdict, a msg string,
// or an error.
func DecodeRatingResponse(line []byte) (*RatingResult, string, error) {
	var env struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(line, &env); err != nil || len(env.Response) == 0 {
		return nil, "", ErrInvalid
	}
	var body struct {
		Rating *RatingResult `json:"rating"`
		Msg    string        `json:"msg"`
	}
	if err := json.Unmarshal(env.Response, &body); err != nil {
		return nil, "", ErrInvalid
	}
	if body.Rating != nil {
		return body.Rating, "", nil
	}
	if body.Msg != "" {
		return nil, body.Msg, nil
	}
	return nil, "", ErrInvalid
}

// Compact renders v as a single line without the trailing newline. Tests
// and log lines use it.
func Compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(data))
}
