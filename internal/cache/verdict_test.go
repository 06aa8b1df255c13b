package cache

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/polaris/internal/domain"
)

func TestVerdictsRoundTrip(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	v := NewVerdicts(c, time.Minute)
	ctx := context.Background()

	if got := v.Get(ctx, "example.com"); got != nil {
		t.Fatalf("expected miss on empty cache, got %v", got)
	}

	row := &domain.Domain{
		ID:        7,
		Name:      "example.com",
		State:     domain.StateDenied,
		Comment:   "malware host",
		UpdatedAt: time.Now().Truncate(time.Second),
	}
	v.Put(ctx, row)

	got := v.Get(ctx, "example.com")
	if got == nil {
		t.Fatal("expected hit after put")
	}
	if got.ID != 7 || got.State != domain.StateDenied || got.Comment != "malware host" {
		t.Fatalf("cached row mangled: %+v", got)
	}
	if !got.UpdatedAt.Equal(row.UpdatedAt) {
		t.Fatalf("expected UpdatedAt %v, got %v", row.UpdatedAt, got.UpdatedAt)
	}
}

func TestVerdictsForget(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	v := NewVerdicts(c, time.Minute)
	ctx := context.Background()

	v.Put(ctx, &domain.Domain{Name: "example.com", State: domain.StatePermitted})
	v.Forget(ctx, "example.com")

	if got := v.Get(ctx, "example.com"); got != nil {
		t.Fatalf("expected miss after forget, got %v", got)
	}
}

func TestVerdictsDropsUndecodableEntry(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	v := NewVerdicts(c, time.Minute)
	ctx := context.Background()

	_ = c.Set(ctx, "verdict:broken.example", []byte("{not json"), time.Minute)

	if got := v.Get(ctx, "broken.example"); got != nil {
		t.Fatalf("expected miss for broken entry, got %v", got)
	}
	// The broken entry is purged, not just skipped.
	if exists, _ := c.Exists(ctx, "verdict:broken.example"); exists {
		t.Fatal("expected broken entry to be deleted")
	}
}
