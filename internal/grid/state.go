package grid

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Grid actions that can be stored in a session and later dispatched.
const (
	ActionSaveRowSort = "saveGridRowSort"
	ActionSortToPage  = "sortToPage"
)

// ActionState is a pending grid action bound to one session.
type ActionState struct {
	ID        string         `json:"state_id"`
	Grid      string         `json:"grid"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StateStore keeps action states in SQLite keyed by StateID.
type StateStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewStateStore returns a store whose states expire after ttl.
func NewStateStore(db *sql.DB, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StateStore{db: db, ttl: ttl}
}

// EnsureSchema creates the grid_action_states table.
func (s *StateStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS grid_action_states (
		state_id TEXT PRIMARY KEY,
		session_token TEXT NOT NULL,
		grid TEXT NOT NULL,
		action TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`)
	return err
}

// Put stores a new state for sessionToken.
func (s *StateStore) Put(ctx context.Context, sessionToken, gridName, action string, args map[string]any) (ActionState, error) {
	switch action {
	case ActionSaveRowSort, ActionSortToPage:
	default:
		return ActionState{}, invalid("action", "unknown grid action %q", action)
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ActionState{}, fmt.Errorf("encode state args: %w", err)
	}
	st := ActionState{
		ID:        uuid.NewString(),
		Grid:      gridName,
		Action:    action,
		Args:      args,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO grid_action_states (state_id, session_token, grid, action, args, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		st.ID, sessionToken, st.Grid, st.Action, string(raw), st.CreatedAt.Format(sqliteTime))
	if err != nil {
		return ActionState{}, err
	}
	return st, nil
}

// Get returns the state stored under stateID for sessionToken. States
// from other sessions and expired states are reported as ErrInvalidState.
func (s *StateStore) Get(ctx context.Context, sessionToken, stateID string) (ActionState, error) {
	var (
		st      ActionState
		raw     string
		created string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT state_id, grid, action, args, created_at FROM grid_action_states WHERE state_id = ? AND session_token = ?",
		stateID, sessionToken).Scan(&st.ID, &st.Grid, &st.Action, &raw, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ActionState{}, ErrInvalidState
	}
	if err != nil {
		return ActionState{}, err
	}
	st.CreatedAt, err = parseTime(created)
	if err != nil {
		return ActionState{}, fmt.Errorf("state %s: %w", stateID, err)
	}
	if time.Since(st.CreatedAt) > s.ttl {
		return ActionState{}, ErrInvalidState
	}
	if err := json.Unmarshal([]byte(raw), &st.Args); err != nil {
		return ActionState{}, fmt.Errorf("decode state args: %w", err)
	}
	return st, nil
}

// Purge deletes expired states and returns how many were removed.
func (s *StateStore) Purge(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.ttl).Format(sqliteTime)
	res, err := s.db.ExecContext(ctx, "DELETE FROM grid_action_states WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func parseTime(v string) (time.Time, error) {
	for _, layout := range []string{sqliteTime, time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", v)
}
