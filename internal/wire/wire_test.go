package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/polaris/internal/domain"
)

func TestParseRating(t *testing.T) {
	got, err := ParseRating([]byte(`{"request":{"rating":{"domain":"Example.com"}}}`))
	if err != nil {
		t.Fatalf("ParseRating: %v", err)
	}
	if got != "Example.com" {
		t.Errorf("domain = %q", got)
	}
}

func TestParseRatingInvalid(t *testing.T) {
	cases := []string{
		``,
		`not json`,
		`{}`,
		`{"request":{}}`,
		`{"request":"task"}`,
		`{"request":{"rating":{}}}`,
		`{"request":{"rating":{"domain":""}}}`,
		`{"request":{"rating":{"domain":42}}}`,
	}
	for _, in := range cases {
		if _, err := ParseRating([]byte(in)); !errors.Is(err, ErrInvalid) {
			t.Errorf("ParseRating(%q) err = %v, want ErrInvalid", in, err)
		}
	}
}

func TestParseTaskRequest(t *testing.T) {
	if err := ParseTaskRequest([]byte(`{"request":"task"}`)); err != nil {
		t.Fatalf("valid task request rejected: %v", err)
	}
	for _, in := range []string{`{"request":"quit"}`, `{"request":{"rating":{"domain":"x"}}}`, `{}`} {
		if err := ParseTaskRequest([]byte(in)); !errors.Is(err, ErrInvalid) {
			t.Errorf("ParseTaskRequest(%q) err = %v, want ErrInvalid", in, err)
		}
	}
}

func TestParseNotification(t *testing.T) {
	scan, review, err := ParseNotification([]byte(`{"notification":{"scan":{"domain":"a.test","request_id":7}}}`))
	if err != nil || review != nil {
		t.Fatalf("scan notice: scan=%v review=%v err=%v", scan, review, err)
	}
	if scan.Domain != "a.test" || scan.RequestID != 7 {
		t.Errorf("scan notice = %+v", scan)
	}

	scan, review, err = ParseNotification([]byte(`{"notification":{"review":{"domain":"b.test","request_id":9,"access":"denied","comment":"malware"}}}`))
	if err != nil || scan != nil {
		t.Fatalf("review notice: scan=%v review=%v err=%v", scan, review, err)
	}
	if review.Access != "denied" || review.Comment != "malware" {
		t.Errorf("review notice = %+v", review)
	}
}

func TestParseNotificationMissingCommentIsEmpty(t *testing.T) {
	_, review, err := ParseNotification([]byte(`{"notification":{"review":{"domain":"c.test","request_id":3,"access":"permitted"}}}`))
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if review.Comment != "" {
		t.Errorf("missing comment should decode empty, got %q", review.Comment)
	}
}

func TestParseNotificationInvalid(t *testing.T) {
	cases := []string{
		`{}`,
		`{"notification":{}}`,
		`{"notification":{"scan":{"domain":"","request_id":1}}}`,
		`{"notification":{"scan":{"domain":"x","request_id":0}}}`,
		`{"notification":{"scan":{"domain":"x","request_id":1},"review":{"domain":"x","request_id":1,"access":"denied"}}}`,
	}
	for _, in := range cases {
		if _, _, err := ParseNotification([]byte(in)); !errors.Is(err, ErrInvalid) {
			t.Errorf("ParseNotification(%q) err = %v, want ErrInvalid", in, err)
		}
	}
}

func TestResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want string
	}{
		{
			"rating with comment",
			RatingResponse(RatingResult{Domain: "x.test", Access: "denied", Comment: "bad"}),
			`{"response":{"rating":{"domain":"x.test","access":"denied","comment":"bad"}}}`,
		},
		{
			"rating without comment",
			RatingResponse(RatingResult{Domain: "x.test", Access: "permitted"}),
			`{"response":{"rating":{"domain":"x.test","access":"permitted"}}}`,
		},
		{
			"invalid request",
			MsgResponse(MsgInvalidRequest),
			`{"response":{"msg":"invalid request"}}`,
		},
		{
			"shutdown",
			MsgResponse(MsgShutdown),
			`{"response":{"msg":"shutdown"}}`,
		},
		{
			"task delivery",
			TaskResponse(domain.Task{RequestID: 12, Domain: "y.test"}),
			`{"response":{"task":{"domain":"y.test","request_id":12}}}`,
		},
		{
			"task request",
			TaskRequest(),
			`{"request":"task"}`,
		},
		{
			"scan finished",
			ScanFinished(domain.Task{RequestID: 5, Domain: "z.test"}),
			`{"notification":{"scan":{"domain":"z.test","request_id":5}}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compact(tt.v); got != tt.want {
				t.Errorf("encoded = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	task, msg, err := DecodeResponse([]byte(`{"response":{"task":{"domain":"a.test","request_id":4}}}`))
	if err != nil || msg != "" {
		t.Fatalf("task decode: %v %q", err, msg)
	}
	if task.Domain != "a.test" || task.RequestID != 4 {
		t.Errorf("task = %+v", task)
	}

	task, msg, err = DecodeResponse([]byte(`{"response":{"msg":"shutdown"}}`))
	if err != nil || task != nil {
		t.Fatalf("shutdown decode: %v %v", err, task)
	}
	if msg != MsgShutdown {
		t.Errorf("msg = %q", msg)
	}

	if _, _, err := DecodeResponse([]byte(`{"response":{}}`)); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty response should be invalid, got %v", err)
	}
}

func TestScannerHonorsSizeCap(t *testing.T) {
	big := `{"request":{"rating":{"domain":"` + strings.Repeat("a", MaxMessageSize) + `"}}}`
	s := NewScanner(strings.NewReader(big + "\n"))
	if s.Scan() {
		t.Fatal("oversized message should not scan")
	}
	if s.Err() == nil {
		t.Fatal("expected scanner error for oversized message")
	}
}

func TestWriteJSONAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, MsgResponse(MsgShutdown)); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		t.Error("message must end with newline")
	}
	s := NewScanner(&buf)
	if !s.Scan() {
		t.Fatal("written message should scan back")
	}
}
