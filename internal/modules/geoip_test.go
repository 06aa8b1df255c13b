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

func TestGeoIPRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/192.0.2.1") {
			_, _ = w.Write([]byte(`{"status":"success","country":"Germany","countryCode":"DE","regionName":"Hessen","city":"Frankfurt","isp":"Example AG"}`))
			return
		}
		// Reserved ranges come back as failures, not findings.
		_, _ = w.Write([]byte(`{"status":"fail"}`))
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	seedAddresses(st, 3, "192.0.2.1", "10.0.0.1")

	m := NewGeoIP(testDeps(st, Profile{NameGeoIP: {Name: NameGeoIP, Endpoint: srv.URL}}))
	if err := m.Run(context.Background(), domain.Task{RequestID: 3, Domain: "example.de"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := st.ModuleRecords(NameGeoIP)
	if len(recs) != 1 {
		t.Fatalf("expected one finding, got %d", len(recs))
	}
	args := recs[0]
	if args[1] != "192.0.2.1" || args[2] != "Germany" || args[3] != "DE" || args[6] != "Example AG" {
		t.Fatalf("unexpected finding args %v", args)
	}
}
