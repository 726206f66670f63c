package grid

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"sortgrid/internal/auth"
)

// Move targets for MoveToPage.
const (
	TargetPrevious = "previous"
	TargetNext     = "next"
)

// Event types passed to Service.Broadcast.
const (
	EventSorted      = "grid_sorted"
	EventPublished   = "grid_published"
	EventUnpublished = "grid_unpublished"
	EventCreated     = "grid_created"
	EventDeleted     = "grid_deleted"
)

// Actor is the session user performing an operation. A nil Actor is an
// anonymous session.
type Actor struct {
	UserID   int
	Username string
	Role     string
}

func (a *Actor) name() string {
	if a == nil || a.Username == "" {
		return "anonymous"
	}
	return a.Username
}

// Authorizer answers role permission checks.
type Authorizer interface {
	HasPermission(role, module, action string) bool
}

// Service applies grid operations with permission checks.
type Service struct {
	Store *Store
	Grids *Registry
	Perms Authorizer
	Log   logrus.FieldLogger

	// Broadcast, when set, is told about every change.
	Broadcast func(evtType string, id any, action string)

	// Audit, when set, records every change.
	Audit func(ctx context.Context, actor *Actor, action, module, recordID, summary string)
}

// NewService builds a Service.
func NewService(store *Store, grids *Registry, perms Authorizer, log logrus.FieldLogger) *Service {
	return &Service{Store: store, Grids: grids, Perms: perms, Log: log}
}

func (s *Service) authorize(actor *Actor, g *Grid, action string) error {
	if actor != nil && actor.Role != "" && s.Perms.HasPermission(actor.Role, g.Module, action) {
		return nil
	}
	s.Log.WithFields(logrus.Fields{
		"grid":   g.Name,
		"user":   actor.name(),
		"action": action,
	}).Warn("grid permission denied")
	return ErrInsufficientPrivileges
}

// Authorize returns ErrInsufficientPrivileges unless actor may perform
// action on the named grid.
func (s *Service) Authorize(actor *Actor, gridName, action string) error {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return err
	}
	return s.authorize(actor, g, action)
}

func (s *Service) changed(ctx context.Context, actor *Actor, g *Grid, evt, action, recordID, summary string) {
	if s.Audit != nil {
		s.Audit(ctx, actor, action, g.Name, recordID, summary)
	}
	if s.Broadcast != nil {
		s.Broadcast(evt, g.Name, action)
	}
}

// List returns a page of stage in default order. page starts at 1; a
// non-positive limit returns every row.
func (s *Service) List(ctx context.Context, actor *Actor, gridName, stage string, page, limit int) ([]Record, int, error) {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return nil, 0, err
	}
	if err := s.authorize(actor, g, auth.PermActionView); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	return s.Store.List(ctx, g, stage, limit, (page-1)*max(limit, 0))
}

// Create appends a record to the grid.
func (s *Service) Create(ctx context.Context, actor *Actor, gridName string, rec Record) (Record, error) {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return Record{}, err
	}
	if err := s.authorize(actor, g, auth.PermActionCreate); err != nil {
		return Record{}, err
	}
	rec, err = s.Store.Create(ctx, g, rec)
	if err != nil {
		return Record{}, err
	}
	s.changed(ctx, actor, g, EventCreated, "CREATE", strconv.FormatInt(rec.ID, 10), "Created "+rec.Name)
	return rec, nil
}

// Delete removes a record from every stage.
func (s *Service) Delete(ctx context.Context, actor *Actor, gridName string, id int64) error {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return err
	}
	if err := s.authorize(actor, g, auth.PermActionDelete); err != nil {
		return err
	}
	if err := s.Store.Delete(ctx, g, id); err != nil {
		return err
	}
	s.changed(ctx, actor, g, EventDeleted, "DELETE", strconv.FormatInt(id, 10), fmt.Sprintf("Deleted #%d", id))
	return nil
}

// SaveRowSort reorders ids so that they follow the supplied order. The
// sort values currently held by ids are redistributed among them in
// ascending order, which leaves rows outside the list untouched.
// On failure nothing is written.
func (s *Service) SaveRowSort(ctx context.Context, actor *Actor, gridName string, ids []int64) ([]Record, error) {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, g, auth.PermActionEdit); err != nil {
		return nil, err
	}
	if err := checkIDs(ids); err != nil {
		return nil, err
	}

	var written int
	err = s.Store.WithTx(ctx, func(tx *sql.Tx) error {
		entries, err := fixSortColumn(ctx, tx, g)
		if err != nil {
			return err
		}
		current := make(map[int64]int, len(entries))
		for _, e := range entries {
			current[e.id] = e.value
		}

		positions := make([]int, 0, len(ids))
		for _, id := range ids {
			v, ok := current[id]
			if !ok {
				return invalid("ItemIDs", "item %d is not in grid %s", id, g.Name)
			}
			positions = append(positions, v)
		}
		sort.Ints(positions)

		for i, id := range ids {
			draft := current[id] != positions[i]
			if !draft && !g.writesLive() {
				continue
			}
			if err := setSortValue(ctx, tx, g, id, positions[i], draft); err != nil {
				return err
			}
			if draft {
				written++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Log.WithFields(logrus.Fields{"grid": g.Name, "user": actor.name(), "items": len(ids), "written": written}).Info("grid rows sorted")
	s.changed(ctx, actor, g, EventSorted, "SORT", "", fmt.Sprintf("Reordered %d rows", len(ids)))

	records, _, err := s.Store.List(ctx, g, StageDraft, 0, 0)
	return records, err
}

// FixSortColumn renumbers the grid when rows carry unusable sort values.
func (s *Service) FixSortColumn(ctx context.Context, actor *Actor, gridName string) error {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return err
	}
	if err := s.authorize(actor, g, auth.PermActionEdit); err != nil {
		return err
	}
	return s.Store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := fixSortColumn(ctx, tx, g)
		return err
	})
}

// fixSortColumn renumbers rows 1..N when any row has a sort value <= 0
// or shares its value with another row. Rows with a valid value keep
// their relative order; the rest follow them in ID order, or precede them
// when the grid appends to top. It returns the resulting order.
func fixSortColumn(ctx context.Context, tx *sql.Tx, g *Grid) ([]sortEntry, error) {
	entries, err := orderedEntries(ctx, tx, g)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(entries))
	broken := false
	for _, e := range entries {
		if e.value <= 0 || seen[e.value] {
			broken = true
			break
		}
		seen[e.value] = true
	}
	if !broken {
		return entries, nil
	}

	var sorted, unsorted []sortEntry
	for _, e := range entries {
		if e.value > 0 {
			sorted = append(sorted, e)
		} else {
			unsorted = append(unsorted, e)
		}
	}
	sort.SliceStable(unsorted, func(i, j int) bool { return unsorted[i].id < unsorted[j].id })

	order := make([]sortEntry, 0, len(entries))
	if g.AppendToTop {
		order = append(append(order, unsorted...), sorted...)
	} else {
		order = append(append(order, sorted...), unsorted...)
	}
	if err := renumber(ctx, tx, g, order); err != nil {
		return nil, err
	}
	return order, nil
}

// renumber assigns 1..N to order in place, writing only changed rows.
func renumber(ctx context.Context, tx *sql.Tx, g *Grid, order []sortEntry) error {
	for i := range order {
		want := i + 1
		if order[i].value == want && !g.writesLive() {
			continue
		}
		if err := setSortValue(ctx, tx, g, order[i].id, want, order[i].value != want); err != nil {
			return err
		}
		order[i].value = want
	}
	return nil
}

// MoveToPage moves itemID to the last slot of the previous page or the
// first slot of the next page, then renumbers the grid.
func (s *Service) MoveToPage(ctx context.Context, actor *Actor, gridName string, itemID int64, target string, page, perPage int) ([]Record, error) {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(actor, g, auth.PermActionEdit); err != nil {
		return nil, err
	}
	if perPage <= 0 {
		perPage = g.PerPage
	}
	if page < 1 {
		return nil, invalid("page", "must be at least 1")
	}
	switch target {
	case TargetPrevious:
		if page == 1 {
			return nil, invalid("Target", "there is no page before page 1")
		}
	case TargetNext:
	default:
		return nil, invalid("Target", "must be %q or %q", TargetPrevious, TargetNext)
	}

	err = s.Store.WithTx(ctx, func(tx *sql.Tx) error {
		entries, err := fixSortColumn(ctx, tx, g)
		if err != nil {
			return err
		}
		idx := -1
		for i, e := range entries {
			if e.id == itemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return invalid("ItemID", "item %d is not in grid %s", itemID, g.Name)
		}

		dest := page * perPage
		if target == TargetPrevious {
			dest = (page-1)*perPage - 1
		}
		moved := entries[idx]
		rest := append(append([]sortEntry{}, entries[:idx]...), entries[idx+1:]...)
		dest = min(max(dest, 0), len(rest))
		order := append(append(append([]sortEntry{}, rest[:dest]...), moved), rest[dest:]...)
		return renumber(ctx, tx, g, order)
	})
	if err != nil {
		return nil, err
	}

	s.changed(ctx, actor, g, EventSorted, "SORT", strconv.FormatInt(itemID, 10),
		fmt.Sprintf("Moved #%d to the %s page", itemID, target))
	records, _, err := s.Store.List(ctx, g, StageDraft, 0, 0)
	return records, err
}

// Publish copies a draft record into the Live stage.
func (s *Service) Publish(ctx context.Context, actor *Actor, gridName string, id int64) error {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return err
	}
	if err := s.authorize(actor, g, auth.PermActionEdit); err != nil {
		return err
	}
	if err := s.Store.Publish(ctx, g, id); err != nil {
		return err
	}
	s.changed(ctx, actor, g, EventPublished, "PUBLISH", strconv.FormatInt(id, 10), fmt.Sprintf("Published #%d", id))
	return nil
}

// PublishAll publishes every draft record of a versioned grid.
func (s *Service) PublishAll(ctx context.Context, actor *Actor, gridName string) (int, error) {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return 0, err
	}
	if err := s.authorize(actor, g, auth.PermActionEdit); err != nil {
		return 0, err
	}
	if !g.Versioned {
		return 0, ErrNotVersioned
	}
	records, _, err := s.Store.List(ctx, g, StageDraft, 0, 0)
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		if err := s.Store.Publish(ctx, g, r.ID); err != nil {
			return 0, err
		}
	}
	s.changed(ctx, actor, g, EventPublished, "PUBLISH", "", fmt.Sprintf("Published %d rows", len(records)))
	return len(records), nil
}

// Unpublish removes a record from the Live stage.
func (s *Service) Unpublish(ctx context.Context, actor *Actor, gridName string, id int64) error {
	g, err := s.Grids.Get(gridName)
	if err != nil {
		return err
	}
	if err := s.authorize(actor, g, auth.PermActionEdit); err != nil {
		return err
	}
	if err := s.Store.Unpublish(ctx, g, id); err != nil {
		return err
	}
	s.changed(ctx, actor, g, EventUnpublished, "UNPUBLISH", strconv.FormatInt(id, 10), fmt.Sprintf("Unpublished #%d", id))
	return nil
}
