package modules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/store"
)

func TestSafeBrowsingRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "sb-key" {
			t.Errorf("missing api key")
		}
		var body struct {
			ThreatInfo struct {
				ThreatEntries []struct {
					URL string `json:"url"`
				} `json:"threatEntries"`
			} `json:"threatInfo"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode lookup body: %v", err)
		}
		if len(body.ThreatInfo.ThreatEntries) != 2 {
			t.Errorf("expected http and https entries, got %v", body.ThreatInfo.ThreatEntries)
		}
		_, _ = w.Write([]byte(`{"matches":[
			{"threatType":"MALWARE"},
			{"threatType":"SOCIAL_ENGINEERING"},
			{"threatType":"MALWARE"}
		]}`))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	m := NewGoogleSafeBrowsing(testDeps(st, Profile{
		NameGoogleSafeBrowsing: {Name: NameGoogleSafeBrowsing, Endpoint: srv.URL, APIKey: "sb-key"},
	}))

	if err := m.Run(context.Background(), domain.Task{RequestID: 8, Domain: "evil.test"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Three matches, three inserts; the duplicate threat type is left
	// to the natural-key conflict in the store.
	if n := st.ModuleRecordCount(NameGoogleSafeBrowsing); n != 3 {
		t.Fatalf("expected 3 inserts, got %d", n)
	}
}

func TestSafeBrowsingRunCleanDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	m := NewGoogleSafeBrowsing(testDeps(st, Profile{
		NameGoogleSafeBrowsing: {Name: NameGoogleSafeBrowsing, Endpoint: srv.URL, APIKey: "sb-key"},
	}))

	if err := m.Run(context.Background(), domain.Task{RequestID: 8, Domain: "example.com"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := st.ModuleRecordCount(NameGoogleSafeBrowsing); n != 0 {
		t.Fatalf("expected no findings for a clean domain, got %d", n)
	}
}

func TestSafeBrowsingRunRequiresKey(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewGoogleSafeBrowsing(testDeps(st, Profile{}))

	err := m.Run(context.Background(), domain.Task{RequestID: 8, Domain: "example.com"}, 1)
	if err == nil || Rerunnable(err) {
		t.Fatalf("expected permanent failure without api key, got %v", err)
	}
}
