package auth

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Permission modules.
const (
	ModuleGrids = "grids"
	ModuleAdmin = "admin"
)

// Permission actions.
const (
	PermActionView   = "view"
	PermActionCreate = "create"
	PermActionEdit   = "edit"
	PermActionDelete = "delete"
)

// Built-in roles. RoleAdmin carries the ADMIN permission on every module.
const (
	RoleAdmin    = "admin"
	RoleEditor   = "editor"
	RoleReadonly = "readonly"
)

var (
	modulesMu sync.RWMutex
	modules   = []string{ModuleGrids, ModuleAdmin}
)

// Modules lists the built-in modules followed by registered ones.
func Modules() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	return append([]string(nil), modules...)
}

// RegisterModule adds a grid permission module, such as one named by a
// configured grid. Registering a known module is a no-op.
func RegisterModule(name string) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	for _, m := range modules {
		if m == name {
			return
		}
	}
	modules = append(modules, name)
}

// AllActions lists every action.
var AllActions = []string{PermActionView, PermActionCreate, PermActionEdit, PermActionDelete}

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// PermissionEntry represents a single permission assignment.
type PermissionEntry struct {
	ID     int    `json:"id"`
	Role   string `json:"role"`
	Module string `json:"module"`
	Action string `json:"action"`
}

// SubjectFromRole maps a role name to its casbin subject.
func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// PermCache holds a casbin enforcer built from role_permissions.
type PermCache struct {
	sync.RWMutex
	enforcer *casbin.Enforcer
	entries  map[string][]PermissionEntry
	updated  time.Time
}

func newEnforcer() (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("load rbac model: %w", err)
	}
	return casbin.NewEnforcer(m)
}

// NewPermCache creates a cache with no policies; every check is denied
// until Refresh runs.
func NewPermCache() (*PermCache, error) {
	e, err := newEnforcer()
	if err != nil {
		return nil, err
	}
	return &PermCache{enforcer: e, entries: make(map[string][]PermissionEntry)}, nil
}

// Refresh rebuilds the enforcer from the role_permissions table.
func (pc *PermCache) Refresh(db *sql.DB) error {
	rows, err := db.Query("SELECT id, role, module, action FROM role_permissions ORDER BY id")
	if err != nil {
		return err
	}
	defer rows.Close()

	var rules [][]string
	entries := make(map[string][]PermissionEntry)
	for rows.Next() {
		var p PermissionEntry
		if err := rows.Scan(&p.ID, &p.Role, &p.Module, &p.Action); err != nil {
			return err
		}
		rules = append(rules, []string{SubjectFromRole(p.Role), p.Module, p.Action})
		entries[p.Role] = append(entries[p.Role], p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	e, err := newEnforcer()
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		if _, err := e.AddPolicies(rules); err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
	}

	pc.Lock()
	pc.enforcer = e
	pc.entries = entries
	pc.updated = time.Now()
	pc.Unlock()
	return nil
}

// HasPermission checks whether a role has permission for module+action.
func (pc *PermCache) HasPermission(role, module, action string) bool {
	if role == "" {
		return false
	}
	pc.RLock()
	defer pc.RUnlock()
	ok, err := pc.enforcer.Enforce(SubjectFromRole(role), module, action)
	return err == nil && ok
}

// GetRolePermissions returns all permissions for a role.
func (pc *PermCache) GetRolePermissions(role string) []PermissionEntry {
	pc.RLock()
	defer pc.RUnlock()
	out := make([]PermissionEntry, len(pc.entries[role]))
	copy(out, pc.entries[role])
	return out
}

// InitPermissionsTable creates the role_permissions table, seeds the
// defaults of every module that has no rows yet and loads the cache.
func InitPermissionsTable(db *sql.DB, pc *PermCache) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS role_permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		module TEXT NOT NULL,
		action TEXT NOT NULL,
		UNIQUE(role, module, action)
	)`)
	if err != nil {
		return fmt.Errorf("create role_permissions table: %w", err)
	}

	for _, mod := range Modules() {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM role_permissions WHERE module = ?", mod).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if err := SeedModulePermissions(db, mod); err != nil {
			return fmt.Errorf("seed %s permissions: %w", mod, err)
		}
	}

	return pc.Refresh(db)
}

// SeedModulePermissions populates the default role permissions of one
// module. Admin gets every action everywhere; grid modules also grant
// editors view and edit, and readonly users view.
func SeedModulePermissions(db *sql.DB, module string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO role_permissions (role, module, action) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, act := range AllActions {
		if _, err := stmt.Exec(RoleAdmin, module, act); err != nil {
			return err
		}
	}

	if module != ModuleAdmin {
		for _, act := range []string{PermActionView, PermActionEdit} {
			if _, err := stmt.Exec(RoleEditor, module, act); err != nil {
				return err
			}
		}
		if _, err := stmt.Exec(RoleReadonly, module, PermActionView); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SetRolePermissions replaces all permissions for a role with the given set.
func SetRolePermissions(db *sql.DB, pc *PermCache, role string, perms []PermissionEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM role_permissions WHERE role = ?", role); err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO role_permissions (role, module, action) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range perms {
		if _, err := stmt.Exec(role, p.Module, p.Action); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return pc.Refresh(db)
}
