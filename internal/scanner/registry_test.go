package scanner

import (
	"context"
	"strings"
	"testing"

	"github.com/oriys/polaris/internal/store"
)

func TestNewRegistryExcludes(t *testing.T) {
	a := newFakeModule("A")
	b := newFakeModule("B")

	reg, err := NewRegistry(asModules(a, b), []string{"B"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if !reg.Has("A") || reg.Has("B") {
		t.Fatalf("expected only A registered, got %v", reg.Names())
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
}

func TestNewRegistryUnknownDependency(t *testing.T) {
	a := newFakeModule("A", "Ghost")

	_, err := NewRegistry(asModules(a), nil)
	if err == nil || !strings.Contains(err.Error(), "unknown module Ghost") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestNewRegistryExcludedDependency(t *testing.T) {
	a := newFakeModule("A", "B")
	b := newFakeModule("B")

	_, err := NewRegistry(asModules(a, b), []string{"B"})
	if err == nil || !strings.Contains(err.Error(), "excluded module B") {
		t.Fatalf("expected excluded dependency error, got %v", err)
	}
}

func TestNewRegistryCycle(t *testing.T) {
	a := newFakeModule("A", "B")
	b := newFakeModule("B", "C")
	c := newFakeModule("C", "A")

	_, err := NewRegistry(asModules(a, b, c), nil)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestNewRegistrySelfDependencyCycle(t *testing.T) {
	a := newFakeModule("A", "A")

	_, err := NewRegistry(asModules(a), nil)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

// Two branches sharing one transitive dependency form a diamond, not a
// cycle. Tracking the current path instead of everything seen keeps
// this shape valid.
func TestNewRegistrySharedDependencyIsNotACycle(t *testing.T) {
	a := newFakeModule("A")
	b := newFakeModule("B", "A")
	c := newFakeModule("C", "A")
	d := newFakeModule("D", "B", "C")

	if _, err := NewRegistry(asModules(a, b, c, d), nil); err != nil {
		t.Fatalf("diamond dependency rejected: %v", err)
	}
}

func TestPrepareCreatesTablesAndVersions(t *testing.T) {
	st := store.NewMemoryStore()
	a := newFakeModule("A")
	a.version = 3

	reg := mustRegistry(t, a)
	if err := reg.Prepare(context.Background(), st); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if !st.HasModuleTable("A") {
		t.Fatal("findings table for A was not created")
	}
	version, err := st.ModuleVersion(context.Background(), "A")
	if err != nil {
		t.Fatalf("ModuleVersion: %v", err)
	}
	if version != 3 {
		t.Fatalf("stored version = %d, want 3", version)
	}
}

func TestPrepareUpgradesOlderVersion(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SetModuleVersion(context.Background(), "A", 2); err != nil {
		t.Fatalf("SetModuleVersion: %v", err)
	}

	a := newFakeModule("A")
	a.version = 5

	reg := mustRegistry(t, a)
	if err := reg.Prepare(context.Background(), st); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	version, err := st.ModuleVersion(context.Background(), "A")
	if err != nil {
		t.Fatalf("ModuleVersion: %v", err)
	}
	if version != 5 {
		t.Fatalf("stored version = %d, want 5", version)
	}
}

func TestPrepareRejectsNewerStoredVersion(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SetModuleVersion(context.Background(), "A", 9); err != nil {
		t.Fatalf("SetModuleVersion: %v", err)
	}

	a := newFakeModule("A")
	a.version = 5

	reg := mustRegistry(t, a)
	err := reg.Prepare(context.Background(), st)
	if err == nil || !strings.Contains(err.Error(), "newer than code version") {
		t.Fatalf("expected version mismatch error, got %v", err)
	}
}

func TestNewRegistryDuplicateName(t *testing.T) {
	a1 := newFakeModule("A")
	a2 := newFakeModule("A")

	_, err := NewRegistry(asModules(a1, a2), nil)
	if err == nil || !strings.Contains(err.Error(), "registered twice") {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
}
