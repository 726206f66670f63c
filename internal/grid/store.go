package grid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is one row of a grid table.
type Record struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	City      string `json:"city"`
	SortOrder int    `json:"sort_order"`
}

// Store reads and writes grid tables.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const sqliteTime = "2006-01-02 15:04:05"

// EnsureSchema creates the grid's tables and sort indexes.
func (s *Store) EnsureSchema(ctx context.Context, g *Grid) error {
	tables := []struct {
		name string
		pk   string
	}{{g.Table, "INTEGER PRIMARY KEY AUTOINCREMENT"}}
	if g.Versioned {
		// Live rows reuse the draft IDs.
		tables = append(tables, struct {
			name string
			pk   string
		}{g.Table + liveSuffix, "INTEGER PRIMARY KEY"})
	}
	for _, t := range tables {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			name TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			%s INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`, t.name, t.pk, g.SortColumn)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", t.name, err)
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", t.name, g.SortColumn, t.name, g.SortColumn)
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("index %s: %w", t.name, err)
		}
	}
	return nil
}

// WithTx runs fn in a transaction, committing when it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func orderClause(g *Grid) string {
	return fmt.Sprintf(" ORDER BY %s ASC, id ASC", g.SortColumn)
}

// List returns a page of the stage in default order plus the total row
// count. A non-positive limit returns every row.
func (s *Store) List(ctx context.Context, g *Grid, stage string, limit, offset int) ([]Record, int, error) {
	table, err := g.StageTable(stage)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT id, name, city, %s FROM %s", g.SortColumn, table) + orderClause(g)
	var args []any
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Name, &r.City, &r.SortOrder); err != nil {
			return nil, 0, err
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// Get loads one record from stage.
func (s *Store) Get(ctx context.Context, g *Grid, stage string, id int64) (Record, error) {
	table, err := g.StageTable(stage)
	if err != nil {
		return Record{}, err
	}
	var r Record
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, name, city, %s FROM %s WHERE id = ?", g.SortColumn, table), id).
		Scan(&r.ID, &r.Name, &r.City, &r.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s #%d", ErrNotFound, g.Name, id)
	}
	return r, err
}

// Insert writes rec into the draft table as given, sort value included.
func (s *Store) Insert(ctx context.Context, g *Grid, rec Record) (int64, error) {
	return insert(ctx, s.db, g, rec)
}

func insert(ctx context.Context, q queryer, g *Grid, rec Record) (int64, error) {
	res, err := q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (name, city, %s) VALUES (?, ?, ?)", g.Table, g.SortColumn),
		rec.Name, rec.City, rec.SortOrder)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Create inserts rec at the end of the draft order. When the grid appends
// to top, the existing rows (and their Live copies, if sorts are mirrored)
// move down one slot and rec takes value 1.
func (s *Store) Create(ctx context.Context, g *Grid, rec Record) (Record, error) {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if g.AppendToTop {
			if _, err := fixSortColumn(ctx, tx, g); err != nil {
				return err
			}
			if err := shiftDown(ctx, tx, g); err != nil {
				return err
			}
			rec.SortOrder = 1
		} else {
			var last sql.NullInt64
			if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", g.SortColumn, g.Table)).Scan(&last); err != nil {
				return err
			}
			rec.SortOrder = int(last.Int64) + 1
		}
		id, err := insert(ctx, tx, g, rec)
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	})
	return rec, err
}

// shiftDown adds one to every sort value, freeing slot 1.
func shiftDown(ctx context.Context, q queryer, g *Grid) error {
	tables := []string{g.Table}
	if g.writesLive() {
		tables = append(tables, g.Table+liveSuffix)
	}
	now := time.Now().UTC().Format(sqliteTime)
	for _, t := range tables {
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET %s = %s + 1, updated_at = ?", t, g.SortColumn, g.SortColumn), now); err != nil {
			return fmt.Errorf("shift %s: %w", t, err)
		}
	}
	return nil
}

// Delete removes the record from every stage.
func (s *Store) Delete(ctx context.Context, g *Grid, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+g.Table+" WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s #%d", ErrNotFound, g.Name, id)
		}
		if g.Versioned {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+g.Table+liveSuffix+" WHERE id = ?", id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Publish copies the draft row into the Live table.
func (s *Store) Publish(ctx context.Context, g *Grid, id int64) error {
	if !g.Versioned {
		return ErrNotVersioned
	}
	live := g.Table + liveSuffix
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (id, name, city, %s, created_at, updated_at)
		 SELECT id, name, city, %s, created_at, ? FROM %s WHERE id = ?`,
		live, g.SortColumn, g.SortColumn, g.Table),
		time.Now().UTC().Format(sqliteTime), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s #%d", ErrNotFound, g.Name, id)
	}
	return nil
}

// Unpublish removes the Live copy of a record.
func (s *Store) Unpublish(ctx context.Context, g *Grid, id int64) error {
	if !g.Versioned {
		return ErrNotVersioned
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+g.Table+liveSuffix+" WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s #%d is not published", ErrNotFound, g.Name, id)
	}
	return nil
}

// sortEntry is an (id, sort value) pair read inside a transaction.
type sortEntry struct {
	id    int64
	value int
}

// orderedEntries reads every draft row in default order. Rows are fully
// drained before returning so the caller can write on the same tx.
func orderedEntries(ctx context.Context, q queryer, g *Grid) ([]sortEntry, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT id, %s FROM %s", g.SortColumn, g.Table)+orderClause(g))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sortEntry
	for rows.Next() {
		var e sortEntry
		if err := rows.Scan(&e.id, &e.value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// setSortValue writes value to the draft row and, when the grid mirrors
// sorts into Live, to the published copy if there is one.
func setSortValue(ctx context.Context, q queryer, g *Grid, id int64, value int, draft bool) error {
	now := time.Now().UTC().Format(sqliteTime)
	if draft {
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET %s = ?, updated_at = ? WHERE id = ?", g.Table, g.SortColumn),
			value, now, id); err != nil {
			return fmt.Errorf("update %s #%d: %w", g.Table, id, err)
		}
	}
	if g.writesLive() {
		live := g.Table + liveSuffix
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET %s = ?, updated_at = ? WHERE id = ?", live, g.SortColumn),
			value, now, id); err != nil {
			return fmt.Errorf("update %s #%d: %w", live, id, err)
		}
	}
	return nil
}
