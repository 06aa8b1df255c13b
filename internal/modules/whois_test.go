package modules

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/store"
)

func TestReferral(t *testing.T) {
	tests := []struct {
		reply string
		want  string
	}{
		{"refer:        whois.verisign-grs.com\n", "whois.verisign-grs.com:43"},
		{"Registrar WHOIS Server: whois.markmonitor.com\n", "whois.markmonitor.com:43"},
		{"whois server: WHOIS.NIC.IO:4343\n", "whois.nic.io:4343"},
		{"Domain Name: EXAMPLE.DE\n", ""},
	}
	for _, tt := range tests {
		if got := referral(tt.reply); got != tt.want {
			t.Errorf("referral(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}

// fakeWhois answers every connection with a fixed record.
func fakeWhois(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				_, _ = c.Read(buf)
				_, _ = c.Write([]byte(reply))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestWhoisRun(t *testing.T) {
	reply := "Domain Name: EXAMPLE.COM\nRegistrar: MarkMonitor Inc.\nCreation Date: 1995-08-14T04:00:00Z\n"
	addr := fakeWhois(t, reply)

	st := store.NewMemoryStore()
	m := NewWhois(testDeps(st, Profile{NameWhois: {Name: NameWhois, Endpoint: addr}}))

	if err := m.Run(context.Background(), domain.Task{RequestID: 11, Domain: "example.com"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := st.ModuleRecords(NameWhois)
	if len(recs) != 1 {
		t.Fatalf("expected one finding, got %d", len(recs))
	}
	if recs[0][1] != addr {
		t.Fatalf("expected server %s, got %v", addr, recs[0][1])
	}
	if recs[0][2] != "MarkMonitor Inc." {
		t.Fatalf("expected registrar, got %v", recs[0][2])
	}
	if raw, _ := recs[0][3].(string); !strings.Contains(raw, "Creation Date") {
		t.Fatalf("expected raw record, got %q", raw)
	}
}

func TestWhoisRunFollowsReferral(t *testing.T) {
	registry := fakeWhois(t, "Registrar: Example Registrar LLC\nCreation Date: 2010-01-01\n")
	root := fakeWhois(t, "refer: "+registry+"\n")

	st := store.NewMemoryStore()
	m := NewWhois(testDeps(st, Profile{NameWhois: {Name: NameWhois, Endpoint: root}}))

	if err := m.Run(context.Background(), domain.Task{RequestID: 12, Domain: "example.com"}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := st.ModuleRecords(NameWhois)
	if len(recs) != 1 {
		t.Fatalf("expected one finding, got %d", len(recs))
	}
	if recs[0][1] != registry {
		t.Fatalf("expected referral server %s, got %v", registry, recs[0][1])
	}
	if recs[0][2] != "Example Registrar LLC" {
		t.Fatalf("expected registrar from referral, got %v", recs[0][2])
	}
}

func TestWhoisRunUnreachableServer(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewWhois(testDeps(st, Profile{NameWhois: {Name: NameWhois, Endpoint: "127.0.0.1:1"}}))

	err := m.Run(context.Background(), domain.Task{RequestID: 13, Domain: "example.com"}, 1)
	if err == nil {
		t.Fatal("expected error from unreachable whois server")
	}
}
