package grid_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sortgrid/internal/auth"
	"sortgrid/internal/fixtures"
	"sortgrid/internal/grid"
	"sortgrid/internal/testutil"
)

var (
	adminActor    = &grid.Actor{UserID: 1, Username: "admin", Role: auth.RoleAdmin}
	editorActor   = &grid.Actor{UserID: 2, Username: "editor", Role: auth.RoleEditor}
	readonlyActor = &grid.Actor{UserID: 3, Username: "viewer", Role: auth.RoleReadonly}
)

type env struct {
	db    *sql.DB
	svc   *grid.Service
	store *grid.Store
	reg   *grid.Registry
	rows  *fixtures.Loaded
}

// setup loads testdata/sortable_rows.yml into the given grids (the default
// teams/vteams pair when none are given).
func setup(t *testing.T, publish bool, grids ...grid.Grid) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	reg, store := testutil.SetupGrids(t, db, grids...)
	log, _ := testutil.NewLogger()
	svc := grid.NewService(store, reg, testutil.NewPermCache(t, db), log)
	rows := testutil.LoadFixtures(t, store, reg, "testdata/sortable_rows.yml", publish)
	return &env{db: db, svc: svc, store: store, reg: reg, rows: rows}
}

func (e *env) ids(gridName string, idents ...string) []int64 {
	out := make([]int64, len(idents))
	for i, ident := range idents {
		out[i] = e.rows.MustID(gridName, ident)
	}
	return out
}

func (e *env) names(t *testing.T, gridName, stage string) []string {
	t.Helper()
	g, err := e.reg.Get(gridName)
	require.NoError(t, err)
	records, _, err := e.store.List(context.Background(), g, stage, 0, 0)
	require.NoError(t, err)
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Name
	}
	return out
}

func (e *env) last(t *testing.T, gridName, stage string) string {
	t.Helper()
	names := e.names(t, gridName, stage)
	require.NotEmpty(t, names)
	return names[len(names)-1]
}

func (e *env) insert(t *testing.T, gridName, name string, sortOrder int) int64 {
	t.Helper()
	g, err := e.reg.Get(gridName)
	require.NoError(t, err)
	id, err := e.store.Insert(context.Background(), g, grid.Record{Name: name, SortOrder: sortOrder})
	require.NoError(t, err)
	return id
}

func TestSaveRowSort_Unauthorized(t *testing.T) {
	for _, tc := range []struct {
		name  string
		actor *grid.Actor
	}{
		{"anonymous", nil},
		{"readonly", readonlyActor},
		{"no role", &grid.Actor{UserID: 9, Username: "ghost"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := setup(t, false)
			_, err := e.svc.SaveRowSort(context.Background(), tc.actor, "teams", e.ids("teams", "team1", "team3", "team2"))

			require.ErrorIs(t, err, grid.ErrInsufficientPrivileges)
			assert.True(t, grid.IsValidation(err))
			assert.Equal(t, "Team 3", e.last(t, "teams", grid.StageDraft))
		})
	}
}

func TestSaveRowSort_Admin(t *testing.T) {
	e := setup(t, false)

	records, err := e.svc.SaveRowSort(context.Background(), adminActor, "teams", e.ids("teams", "team1", "team3", "team2"))
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, "Team 2", records[2].Name)
	assert.Equal(t, []string{"Team 1", "Team 3", "Team 2"}, e.names(t, "teams", grid.StageDraft))
}

func TestSaveRowSort_Editor(t *testing.T) {
	e := setup(t, false)
	_, err := e.svc.SaveRowSort(context.Background(), editorActor, "teams", e.ids("teams", "team3", "team2", "team1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Team 3", "Team 2", "Team 1"}, e.names(t, "teams", grid.StageDraft))
}

func TestSaveRowSort_VersionedUpdatesLive(t *testing.T) {
	e := setup(t, true)
	assert.Equal(t, "Team 3", e.last(t, "vteams", grid.StageLive))

	_, err := e.svc.SaveRowSort(context.Background(), adminActor, "vteams", e.ids("vteams", "team1", "team3", "team2"))
	require.NoError(t, err)

	assert.Equal(t, "Team 2", e.last(t, "vteams", grid.StageDraft))
	assert.Equal(t, "Team 2", e.last(t, "vteams", grid.StageLive))
}

func TestSaveRowSort_StageOnlyThenPublish(t *testing.T) {
	e := setup(t, true,
		grid.Grid{Name: "teams", Table: "teams"},
		grid.Grid{Name: "vteams", Table: "vteams", Versioned: true},
	)
	ctx := context.Background()

	_, err := e.svc.SaveRowSort(ctx, adminActor, "vteams", e.ids("vteams", "team1", "team3", "team2"))
	require.NoError(t, err)
	assert.Equal(t, "Team 2", e.last(t, "vteams", grid.StageDraft))
	assert.Equal(t, "Team 3", e.last(t, "vteams", grid.StageLive), "live is untouched until published")

	n, err := e.svc.PublishAll(ctx, adminActor, "vteams")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, e.names(t, "vteams", grid.StageDraft), e.names(t, "vteams", grid.StageLive))
}

func TestSaveRowSort_SkipsUnpublishedLiveRows(t *testing.T) {
	e := setup(t, false)
	ctx := context.Background()
	require.NoError(t, e.svc.Publish(ctx, adminActor, "vteams", e.rows.MustID("vteams", "team1")))

	_, err := e.svc.SaveRowSort(ctx, adminActor, "vteams", e.ids("vteams", "team2", "team3", "team1"))
	require.NoError(t, err)

	g, _ := e.reg.Get("vteams")
	live, total, err := e.store.List(ctx, g, grid.StageLive, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 3, live[0].SortOrder)
}

func TestSaveRowSort_PartialWindow(t *testing.T) {
	e := setup(t, false)
	ctx := context.Background()
	four := e.insert(t, "teams", "Team 4", 4)
	e.insert(t, "teams", "Team 5", 5)

	// Swapping team2 and Team 4 leaves the rows outside the list alone.
	_, err := e.svc.SaveRowSort(ctx, adminActor, "teams", []int64{four, e.rows.MustID("teams", "team2")})
	require.NoError(t, err)

	assert.Equal(t, []string{"Team 1", "Team 4", "Team 3", "Team 2", "Team 5"}, e.names(t, "teams", grid.StageDraft))
}

func TestSaveRowSort_InvalidInput(t *testing.T) {
	e := setup(t, false)
	t1, t2 := e.rows.MustID("teams", "team1"), e.rows.MustID("teams", "team2")

	for name, ids := range map[string][]int64{
		"empty":     {},
		"duplicate": {t1, t2, t1},
		"unknown":   {t1, 999},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.svc.SaveRowSort(context.Background(), adminActor, "teams", ids)
			require.Error(t, err)
			assert.True(t, grid.IsValidation(err))
			assert.NotErrorIs(t, err, grid.ErrInsufficientPrivileges)
			assert.Equal(t, []string{"Team 1", "Team 2", "Team 3"}, e.names(t, "teams", grid.StageDraft))
		})
	}
}

func TestSaveRowSort_UnknownGrid(t *testing.T) {
	e := setup(t, false)
	_, err := e.svc.SaveRowSort(context.Background(), adminActor, "nope", []int64{1})
	assert.ErrorIs(t, err, grid.ErrUnknownGrid)
}

func TestSaveRowSort_NotifiesHooks(t *testing.T) {
	e := setup(t, false)
	var events, audits []string
	e.svc.Broadcast = func(evtType string, id any, action string) {
		events = append(events, evtType+":"+action)
	}
	e.svc.Audit = func(ctx context.Context, actor *grid.Actor, action, module, recordID, summary string) {
		audits = append(audits, actor.Username+":"+action+":"+module)
	}

	_, err := e.svc.SaveRowSort(context.Background(), adminActor, "teams", e.ids("teams", "team2", "team1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"grid_sorted:SORT"}, events)
	assert.Equal(t, []string{"admin:SORT:teams"}, audits)

	_, err = e.svc.SaveRowSort(context.Background(), readonlyActor, "teams", e.ids("teams", "team1", "team2"))
	require.Error(t, err)
	assert.Len(t, events, 1, "denied sorts are not broadcast")
}

func TestFixSortColumn(t *testing.T) {
	ctx := context.Background()

	t.Run("append to bottom", func(t *testing.T) {
		e := setup(t, false)
		e.insert(t, "teams", "Zero", 0)
		e.insert(t, "teams", "Dup", 2)

		require.NoError(t, e.svc.FixSortColumn(ctx, adminActor, "teams"))

		g, _ := e.reg.Get("teams")
		records, _, err := e.store.List(ctx, g, grid.StageDraft, 0, 0)
		require.NoError(t, err)
		var names []string
		for i, r := range records {
			assert.Equal(t, i+1, r.SortOrder)
			names = append(names, r.Name)
		}
		assert.Equal(t, []string{"Team 1", "Team 2", "Dup", "Team 3", "Zero"}, names)
	})

	t.Run("append to top", func(t *testing.T) {
		e := setup(t, false,
			grid.Grid{Name: "teams", Table: "teams", AppendToTop: true},
			grid.Grid{Name: "vteams", Table: "vteams", Versioned: true},
		)
		e.insert(t, "teams", "Zero", 0)
		e.insert(t, "teams", "Negative", -4)

		require.NoError(t, e.svc.FixSortColumn(ctx, adminActor, "teams"))
		assert.Equal(t, []string{"Zero", "Negative", "Team 1", "Team 2", "Team 3"}, e.names(t, "teams", grid.StageDraft))
	})

	t.Run("already valid", func(t *testing.T) {
		e := setup(t, false)
		require.NoError(t, e.svc.FixSortColumn(ctx, adminActor, "teams"))
		assert.Equal(t, []string{"Team 1", "Team 2", "Team 3"}, e.names(t, "teams", grid.StageDraft))
	})

	t.Run("requires edit", func(t *testing.T) {
		e := setup(t, false)
		assert.ErrorIs(t, e.svc.FixSortColumn(ctx, readonlyActor, "teams"), grid.ErrInsufficientPrivileges)
	})
}

func TestSaveRowSort_RepairsBeforeSorting(t *testing.T) {
	e := setup(t, false)
	zero := e.insert(t, "teams", "Zero", 0)

	_, err := e.svc.SaveRowSort(context.Background(), adminActor, "teams", []int64{zero, e.rows.MustID("teams", "team1")})
	require.NoError(t, err)

	// Zero is renumbered to 4 first, then swapped with Team 1.
	assert.Equal(t, []string{"Zero", "Team 2", "Team 3", "Team 1"}, e.names(t, "teams", grid.StageDraft))
}

func TestMoveToPage(t *testing.T) {
	ctx := context.Background()

	t.Run("previous", func(t *testing.T) {
		e := setup(t, false)
		e.insert(t, "teams", "Team 4", 4)
		five := e.insert(t, "teams", "Team 5", 5)

		_, err := e.svc.MoveToPage(ctx, adminActor, "teams", five, grid.TargetPrevious, 3, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"Team 1", "Team 2", "Team 3", "Team 5", "Team 4"}, e.names(t, "teams", grid.StageDraft))
	})

	t.Run("next", func(t *testing.T) {
		e := setup(t, false)
		e.insert(t, "teams", "Team 4", 4)
		e.insert(t, "teams", "Team 5", 5)

		records, err := e.svc.MoveToPage(ctx, adminActor, "teams", e.rows.MustID("teams", "team1"), grid.TargetNext, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, "Team 1", records[2].Name)
		assert.Equal(t, 3, records[2].SortOrder)
	})

	t.Run("next from last page clamps", func(t *testing.T) {
		e := setup(t, false)
		_, err := e.svc.MoveToPage(ctx, adminActor, "teams", e.rows.MustID("teams", "team1"), grid.TargetNext, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, "Team 1", e.last(t, "teams", grid.StageDraft))
	})

	t.Run("versioned mirrors live", func(t *testing.T) {
		e := setup(t, true)
		_, err := e.svc.MoveToPage(ctx, adminActor, "vteams", e.rows.MustID("vteams", "team3"), grid.TargetPrevious, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"Team 1", "Team 3", "Team 2"}, e.names(t, "vteams", grid.StageDraft))
		assert.Equal(t, []string{"Team 1", "Team 3", "Team 2"}, e.names(t, "vteams", grid.StageLive))
	})

	t.Run("invalid", func(t *testing.T) {
		e := setup(t, false)
		id := e.rows.MustID("teams", "team1")
		_, err := e.svc.MoveToPage(ctx, adminActor, "teams", id, grid.TargetPrevious, 1, 2)
		assert.True(t, grid.IsValidation(err))
		_, err = e.svc.MoveToPage(ctx, adminActor, "teams", id, "sideways", 1, 2)
		assert.True(t, grid.IsValidation(err))
		_, err = e.svc.MoveToPage(ctx, adminActor, "teams", 999, grid.TargetNext, 1, 2)
		assert.True(t, grid.IsValidation(err))
		_, err = e.svc.MoveToPage(ctx, readonlyActor, "teams", id, grid.TargetNext, 1, 2)
		assert.ErrorIs(t, err, grid.ErrInsufficientPrivileges)
	})
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	e := setup(t, false)
	rec, err := e.svc.Create(ctx, adminActor, "teams", grid.Record{Name: "Team 4", City: "Oslo"})
	require.NoError(t, err)
	assert.Equal(t, 4, rec.SortOrder)
	assert.Equal(t, "Team 4", e.last(t, "teams", grid.StageDraft))

	_, err = e.svc.Create(ctx, editorActor, "teams", grid.Record{Name: "Denied"})
	assert.ErrorIs(t, err, grid.ErrInsufficientPrivileges)

	top := setup(t, false,
		grid.Grid{Name: "teams", Table: "teams", AppendToTop: true},
		grid.Grid{Name: "vteams", Table: "vteams", Versioned: true},
	)
	rec, err = top.svc.Create(ctx, adminActor, "teams", grid.Record{Name: "First"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SortOrder)
	assert.Equal(t, []string{"First", "Team 1", "Team 2", "Team 3"}, top.names(t, "teams", grid.StageDraft))
}

func TestCreate_AppendToTopKeepsOrderOnLaterSorts(t *testing.T) {
	ctx := context.Background()
	e := setup(t, true,
		grid.Grid{Name: "teams", Table: "teams"},
		grid.Grid{Name: "vteams", Table: "vteams", Versioned: true, UpdateVersionedStage: grid.StageLive, AppendToTop: true},
	)

	for _, name := range []string{"A", "B"} {
		_, err := e.svc.Create(ctx, adminActor, "vteams", grid.Record{Name: name})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"B", "A", "Team 1", "Team 2", "Team 3"}, e.names(t, "vteams", grid.StageDraft))

	_, err := e.svc.SaveRowSort(ctx, adminActor, "vteams", e.ids("vteams", "team2", "team1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "Team 2", "Team 1", "Team 3"}, e.names(t, "vteams", grid.StageDraft))
	assert.Equal(t, []string{"Team 2", "Team 1", "Team 3"}, e.names(t, "vteams", grid.StageLive))

	require.NoError(t, e.svc.FixSortColumn(ctx, adminActor, "vteams"))
	assert.Equal(t, []string{"B", "A", "Team 2", "Team 1", "Team 3"}, e.names(t, "vteams", grid.StageDraft))

	records, err := e.svc.MoveToPage(ctx, adminActor, "vteams", e.rows.MustID("vteams", "team3"), grid.TargetPrevious, 2, 2)
	require.NoError(t, err)
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"B", "Team 3", "A", "Team 2", "Team 1"}, names)
}

func TestCustomModuleGrid(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false,
		grid.Grid{Name: "teams", Table: "teams", Module: "catalog"},
		grid.Grid{Name: "vteams", Table: "vteams", Versioned: true},
	)
	assert.Contains(t, auth.Modules(), "catalog")

	_, err := e.svc.SaveRowSort(ctx, adminActor, "teams", e.ids("teams", "team1", "team3", "team2"))
	require.NoError(t, err)
	assert.Equal(t, "Team 2", e.last(t, "teams", grid.StageDraft))

	_, err = e.svc.SaveRowSort(ctx, editorActor, "teams", e.ids("teams", "team2", "team3"))
	require.NoError(t, err)

	_, err = e.svc.SaveRowSort(ctx, readonlyActor, "teams", e.ids("teams", "team3", "team2"))
	require.ErrorIs(t, err, grid.ErrInsufficientPrivileges)
	_, _, err = e.svc.List(ctx, readonlyActor, "teams", grid.StageDraft, 1, 0)
	require.NoError(t, err)
}

func TestPublishUnpublishDelete(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	id := e.rows.MustID("vteams", "team2")

	require.NoError(t, e.svc.Publish(ctx, adminActor, "vteams", id))
	assert.Equal(t, []string{"Team 2"}, e.names(t, "vteams", grid.StageLive))

	require.NoError(t, e.svc.Unpublish(ctx, adminActor, "vteams", id))
	assert.Empty(t, e.names(t, "vteams", grid.StageLive))
	assert.ErrorIs(t, e.svc.Unpublish(ctx, adminActor, "vteams", id), grid.ErrNotFound)

	assert.ErrorIs(t, e.svc.Publish(ctx, adminActor, "teams", e.rows.MustID("teams", "team1")), grid.ErrNotVersioned)
	assert.ErrorIs(t, e.svc.Publish(ctx, adminActor, "vteams", 999), grid.ErrNotFound)

	require.NoError(t, e.svc.Publish(ctx, adminActor, "vteams", id))
	require.NoError(t, e.svc.Delete(ctx, adminActor, "vteams", id))
	assert.Equal(t, []string{"Team 1", "Team 3"}, e.names(t, "vteams", grid.StageDraft))
	assert.Empty(t, e.names(t, "vteams", grid.StageLive))
	assert.ErrorIs(t, e.svc.Delete(ctx, adminActor, "vteams", id), grid.ErrNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	e := setup(t, true)

	records, total, err := e.svc.List(ctx, readonlyActor, "vteams", grid.StageLive, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, records, 1)
	assert.Equal(t, "Team 3", records[0].Name)

	_, _, err = e.svc.List(ctx, nil, "teams", grid.StageDraft, 1, 0)
	assert.ErrorIs(t, err, grid.ErrInsufficientPrivileges)

	_, _, err = e.svc.List(ctx, adminActor, "teams", grid.StageLive, 1, 0)
	assert.ErrorIs(t, err, grid.ErrNotVersioned)

	_, _, err = e.svc.List(ctx, adminActor, "teams", "Archive", 1, 0)
	assert.True(t, grid.IsValidation(err))
}
