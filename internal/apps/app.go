// Package apps is the access control store: named applications with their
// credential, table allow-list and role.
package apps

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role gates what an application may run
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleRead || r == RoleWrite
}

var (
	ErrNotFound        = errors.New("app not found")
	ErrAlreadyExists   = errors.New("app already exists")
	ErrEmptyID         = errors.New("app id is required")
	ErrInvalidRole     = errors.New("role must be 'read' or 'write'")
	ErrNothingToUpdate = errors.New("no fields to update")
	ErrEmptySecret     = errors.New("encryption secret must not be empty")
)

// Application is a tenant of the query service
type Application struct {
	ID            string    `json:"app_id"`
	APIKey        string    `json:"api_key"`
	AllowedTables []string  `json:"allowed_tables"`
	Role          Role      `json:"role"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
	Active        bool      `json:"active"`
}

// Restricted reports whether the application has a table allow-list
func (a Application) Restricted() bool {
	return len(a.AllowedTables) > 0
}

func (a Application) clone() Application {
	a.AllowedTables = append([]string{}, a.AllowedTables...)
	return a
}

// SchemaCache is the last table list loaded from the gateway
type SchemaCache struct {
	Tables     []string   `json:"tables"`
	LastLoaded *time.Time `json:"last_loaded"`
}

// Snapshot is the persisted state of the store
type Snapshot struct {
	Apps        map[string]Application `json:"apps"`
	SchemaCache SchemaCache            `json:"schema_cache"`
}

// CreateParams describes a new application
type CreateParams struct {
	ID            string
	Description   string
	AllowedTables []string
	Role          Role
}

// UpdateParams changes the non-nil fields of an application
type UpdateParams struct {
	Description   *string
	AllowedTables *[]string
	Role          *Role
	Active        *bool
}

func (p UpdateParams) empty() bool {
	return p.Description == nil && p.AllowedTables == nil && p.Role == nil && p.Active == nil
}

// InvalidTablesError lists requested tables missing from the schema snapshot
type InvalidTablesError struct {
	Invalid   []string
	Available []string
	More      bool
}

func (e *InvalidTablesError) Error() string {
	more := ""
	if e.More {
		more = "..."
	}
	return fmt.Sprintf("invalid tables not in gateway schema: [%s]. Available tables: %s%s",
		strings.Join(e.Invalid, ", "), strings.Join(e.Available, ", "), more)
}

// NormalizeID lowercases id, trims it and replaces spaces with hyphens
func NormalizeID(id string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), " ", "-")
}

func cleanTables(tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
