package modules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/store"
)

func TestParseRobots(t *testing.T) {
	body := `User-agent: *
Disallow: /admin
Disallow: /private
Disallow:
disallow: /lower
Sitemap: https://example.com/sitemap.xml
`
	disallows, sitemap := parseRobots(body)
	if disallows != 3 {
		t.Fatalf("expected 3 disallow rules, got %d", disallows)
	}
	if !sitemap {
		t.Fatal("expected sitemap to be detected")
	}
}

func TestRobotsTxtRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /cgi-bin\n"))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	m := NewRobotsTxt(testDeps(st, Profile{NameRobotsTxt: {Name: NameRobotsTxt, Endpoint: srv.URL}}))

	if err := m.Run(context.Background(), domain.Task{RequestID: 1, Domain: "example.com"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := st.ModuleRecords(NameRobotsTxt)
	if len(recs) != 1 {
		t.Fatalf("expected one finding, got %d", len(recs))
	}
	if recs[0][1] != 1 || recs[0][2] != false {
		t.Fatalf("unexpected robots args %v", recs[0])
	}
}

func TestRobotsTxtRunMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	st := store.NewMemoryStore()
	m := NewRobotsTxt(testDeps(st, Profile{NameRobotsTxt: {Name: NameRobotsTxt, Endpoint: srv.URL}}))

	if err := m.Run(context.Background(), domain.Task{RequestID: 1, Domain: "example.com"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A missing robots.txt is a present=false finding, not a failure.
	if n := st.ModuleRecordCount(NameRobotsTxt); n != 1 {
		t.Fatalf("expected one finding, got %d", n)
	}
}
