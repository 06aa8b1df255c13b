package modules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/store"
)

const scamPage = `<!DOCTYPE html>
<html><head><title>Account Alert</title></head>
<body>
<article>
<h1>Urgent: verify your account</h1>
<p>Your account has been suspended. Confirm your password now to
claim your prize. Congratulations, you are our lottery winner!</p>
<p>Ordinary filler text to give the extractor something to work
with, sentence after sentence of plain words and nothing else.</p>
</article>
</body></html>`

func TestSpellCheckerRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(scamPage))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	m := NewSpellChecker(testDeps(st, Profile{NameSpellChecker: {Name: NameSpellChecker, Endpoint: srv.URL}}))

	if err := m.Run(context.Background(), domain.Task{RequestID: 14, Domain: "evil.test"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := st.ModuleRecords(NameSpellChecker)
	if len(recs) != 1 {
		t.Fatalf("expected one finding, got %d", len(recs))
	}
	args := recs[0]
	wordCount, _ := args[1].(int)
	flagged, _ := args[2].(int)
	terms, _ := args[3].(string)

	if wordCount < 20 {
		t.Fatalf("expected a meaningful word count, got %d", wordCount)
	}
	if flagged < 5 {
		t.Fatalf("expected several bait words flagged, got %d", flagged)
	}
	// Terms are sorted and capped at eight, so assert on entries from
	// the front of the alphabet.
	for _, want := range []string{"account", "lottery", "password"} {
		if !strings.Contains(terms, want) {
			t.Fatalf("expected %q in terms, got %q", want, terms)
		}
	}
}

func TestSpellCheckerRunUnreachablePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	m := NewSpellChecker(testDeps(st, Profile{NameSpellChecker: {Name: NameSpellChecker, Endpoint: srv.URL}}))

	err := m.Run(context.Background(), domain.Task{RequestID: 14, Domain: "gone.test"}, 1)
	if err == nil || Rerunnable(err) {
		t.Fatalf("expected permanent failure on 4xx landing page, got %v", err)
	}
}
