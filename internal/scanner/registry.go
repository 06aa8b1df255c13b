// Package scanner runs the scan side of the pipeline. It validates and
// version-reconciles the module registry at startup, executes scan runs
// as dependency-ordered parallel tasks, parks rerunnable failures on a
// snapshotted retry queue and pulls work from the coordinator's
// dispatch endpoint.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/oriys/polaris/internal/logging"
	"github.com/oriys/polaris/internal/modules"
	"github.com/oriys/polaris/internal/store"
)

// Registry holds the modules enabled for this deployment. It is built
// once at startup and immutable afterwards; every run draws its module
// set from it.
type Registry struct {
	modules  map[string]modules.Module
	excluded map[string]bool
}

// NewRegistry indexes the given modules minus the excluded names and
// validates the dependency graph. A module depending on an excluded,
// unknown or cyclically reachable module is a configuration error and
// fatal for scanner startup.
func NewRegistry(mods []modules.Module, excluded []string) (*Registry, error) {
	r := &Registry{
		modules:  make(map[string]modules.Module, len(mods)),
		excluded: make(map[string]bool, len(excluded)),
	}
	for _, name := range excluded {
		r.excluded[name] = true
	}

	for _, mod := range mods {
		name := mod.Name()
		if r.excluded[name] {
			logging.Op().Info("module excluded from this deployment", "module", name)
			continue
		}
		if _, dup := r.modules[name]; dup {
			return nil, fmt.Errorf("module %s registered twice", name)
		}
		r.modules[name] = mod
	}

	if err := r.validateDependencies(); err != nil {
		return nil, err
	}
	return r, nil
}

// Bootstrap builds the production registry: the full module table minus
// the norun exclusions and profile-disabled entries, validated, with
// findings tables created and stored versions reconciled.
func Bootstrap(ctx context.Context, st store.Store, deps modules.Deps, norun []string) (*Registry, error) {
	excluded := append([]string(nil), norun...)
	excluded = append(excluded, deps.Profile.Disabled()...)

	reg, err := NewRegistry(modules.All(deps), excluded)
	if err != nil {
		return nil, err
	}
	if err := reg.Prepare(ctx, st); err != nil {
		return nil, err
	}

	logging.Op().Info("module registry ready",
		"modules", reg.Len(), "excluded", len(excluded))
	return reg, nil
}

// Prepare creates each module's findings table and reconciles stored
// module versions against the code.
func (r *Registry) Prepare(ctx context.Context, st store.Store) error {
	if err := r.ensureTables(ctx, st); err != nil {
		return err
	}
	return r.reconcileVersions(ctx, st)
}

// Get returns a registered module.
func (r *Registry) Get(name string) (modules.Module, bool) {
	mod, ok := r.modules[name]
	return mod, ok
}

// Has reports whether name is registered. Retry snapshot validation
// uses it to drop entries naming modules no longer deployed.
func (r *Registry) Has(name string) bool {
	_, ok := r.modules[name]
	return ok
}

// Names returns the registered module names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered modules.
func (r *Registry) Len() int { return len(r.modules) }

func (r *Registry) validateDependencies() error {
	visited := make(map[string]bool, len(r.modules))
	for _, name := range r.Names() {
		if err := r.walk(name, visited, make(map[string]bool)); err != nil {
			return err
		}
	}
	return nil
}

// walk checks the dependency tree below name depth-first. visited
// memoizes fully checked modules across roots; onStack holds only the
// current path, so a revisit through it is a true cycle while a shared
// transitive dependency is not.
func (r *Registry) walk(name string, visited, onStack map[string]bool) error {
	if visited[name] {
		return nil
	}
	onStack[name] = true

	for _, dep := range r.modules[name].Dependencies() {
		if _, ok := r.modules[dep]; !ok {
			if r.excluded[dep] {
				return fmt.Errorf("module %s depends on excluded module %s", name, dep)
			}
			return fmt.Errorf("module %s depends on unknown module %s", name, dep)
		}
		if onStack[dep] {
			return fmt.Errorf("module dependency cycle through %s", dep)
		}
		if err := r.walk(dep, visited, onStack); err != nil {
			return err
		}
	}

	delete(onStack, name)
	visited[name] = true
	return nil
}

func (r *Registry) ensureTables(ctx context.Context, st store.Store) error {
	for _, name := range r.Names() {
		if err := st.EnsureModuleTable(ctx, name, r.modules[name].Schema()); err != nil {
			return fmt.Errorf("create findings table for %s: %w", name, err)
		}
	}
	return nil
}

// reconcileVersions aligns stored module versions with the code. A
// missing row is inserted and an older row upgraded. A stored version
// newer than the code means this deployment runs outdated module code;
// that is fatal.
func (r *Registry) reconcileVersions(ctx context.Context, st store.Store) error {
	for _, name := range r.Names() {
		version := r.modules[name].Version()

		stored, err := st.ModuleVersion(ctx, name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := st.SetModuleVersion(ctx, name, version); err != nil {
				return fmt.Errorf("record version for %s: %w", name, err)
			}
		case err != nil:
			return fmt.Errorf("read version for %s: %w", name, err)
		case stored < version:
			if err := st.SetModuleVersion(ctx, name, version); err != nil {
				return fmt.Errorf("upgrade version for %s: %w", name, err)
			}
			logging.Op().Info("module version upgraded",
				"module", name, "from", stored, "to", version)
		case stored > version:
			return fmt.Errorf("module %s: stored version %d is newer than code version %d",
				name, stored, version)
		}
	}
	return nil
}
