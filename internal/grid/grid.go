// Package grid implements sortable admin grids: ordered record lists whose
// order is persisted in an integer sort column, optionally split into a
// draft (Stage) and a published (Live) table.
package grid

import (
	"fmt"
	"sort"
	"sync"

	"sortgrid/internal/auth"
)

// Versioned stages.
const (
	StageDraft = "Stage"
	StageLive  = "Live"
)

const (
	DefaultSortColumn = "sort_order"
	DefaultPerPage    = 20
	liveSuffix        = "_live"
)

// Grid binds a name to a record table and its sorting behaviour.
type Grid struct {
	Name       string
	Table      string
	SortColumn string
	Versioned  bool
	// UpdateVersionedStage names a stage that receives the same sort
	// values as the draft table on every reorder.
	UpdateVersionedStage string
	AppendToTop          bool
	PerPage              int
	Module               string
}

// StageTable returns the table holding stage. Unversioned grids only have
// the draft stage.
func (g *Grid) StageTable(stage string) (string, error) {
	switch stage {
	case "", StageDraft:
		return g.Table, nil
	case StageLive:
		if !g.Versioned {
			return "", ErrNotVersioned
		}
		return g.Table + liveSuffix, nil
	default:
		return "", invalid("stage", "unknown stage %q", stage)
	}
}

// writesLive reports whether a reorder also rewrites the Live table.
func (g *Grid) writesLive() bool {
	return g.Versioned && g.UpdateVersionedStage == StageLive
}

func (g *Grid) normalize() error {
	if g.Name == "" {
		return fmt.Errorf("grid: name is required")
	}
	if g.Table == "" {
		g.Table = g.Name
	}
	if g.SortColumn == "" {
		g.SortColumn = DefaultSortColumn
	}
	if g.PerPage <= 0 {
		g.PerPage = DefaultPerPage
	}
	if g.Module == "" {
		g.Module = auth.ModuleGrids
	}
	for _, ident := range []string{g.Table, g.SortColumn, g.Module} {
		if _, err := auth.SanitizeIdentifier(ident); err != nil {
			return fmt.Errorf("grid %s: %q: %w", g.Name, ident, err)
		}
	}
	if g.UpdateVersionedStage != "" && !g.Versioned {
		return fmt.Errorf("grid %s: update stage %q set on an unversioned grid", g.Name, g.UpdateVersionedStage)
	}
	return nil
}

// Registry is the set of grids the service exposes.
type Registry struct {
	mu    sync.RWMutex
	grids map[string]*Grid
}

// NewRegistry validates and registers grids.
func NewRegistry(grids ...Grid) (*Registry, error) {
	r := &Registry{grids: make(map[string]*Grid)}
	for _, g := range grids {
		if err := r.Register(g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds g, filling defaults. Names must be unique. The grid's
// permission module is registered with auth so that
// auth.InitPermissionsTable seeds its policies.
func (r *Registry) Register(g Grid) error {
	if err := g.normalize(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grids[g.Name]; ok {
		return fmt.Errorf("grid %s already registered", g.Name)
	}
	r.grids[g.Name] = &g
	auth.RegisterModule(g.Module)
	return nil
}

// Get returns the grid called name.
func (r *Registry) Get(name string) (*Grid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.grids[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGrid, name)
	}
	return g, nil
}

// All returns every registered grid sorted by name.
func (r *Registry) All() []*Grid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Grid, 0, len(r.grids))
	for _, g := range r.grids {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
