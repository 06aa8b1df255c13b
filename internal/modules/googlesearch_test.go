package modules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/store"
)

func TestGoogleSearchRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "g-key" || q.Get("cx") != "engine" {
			t.Errorf("unexpected credentials in query %s", r.URL.RawQuery)
		}
		if q.Get("q") != `"example.com"` {
			t.Errorf("expected quoted domain query, got %q", q.Get("q"))
		}
		_, _ = w.Write([]byte(`{
			"searchInformation": {"totalResults": "1320"},
			"items": [{"link": "https://example.com/"}, {"link": "https://example.com/about"}]
		}`))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	m := NewGoogleSearch(testDeps(st, Profile{
		NameGoogleSearch: {
			Name:     NameGoogleSearch,
			Endpoint: srv.URL,
			APIKey:   "g-key",
			Options:  map[string]string{"cx": "engine"},
		},
	}))

	if err := m.Run(context.Background(), domain.Task{RequestID: 15, Domain: "example.com"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := st.ModuleRecords(NameGoogleSearch)
	if len(recs) != 1 {
		t.Fatalf("expected one finding, got %d", len(recs))
	}
	if recs[0][1] != int64(1320) || recs[0][2] != "https://example.com/" {
		t.Fatalf("unexpected search finding %v", recs[0])
	}
}

func TestGoogleSearchRunRequiresEngineID(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewGoogleSearch(testDeps(st, Profile{
		NameGoogleSearch: {Name: NameGoogleSearch, APIKey: "g-key"},
	}))

	err := m.Run(context.Background(), domain.Task{RequestID: 15, Domain: "example.com"}, 1)
	if err == nil || Rerunnable(err) {
		t.Fatalf("expected permanent failure without engine id, got %v", err)
	}
}
