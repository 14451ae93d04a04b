package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"chatrelay/internal/models"
)

// Table names used by the relay
const (
	TableProfiles           = "profiles"
	TableChatHistory        = "chat_history"
	TableGlobalInstructions = "global_instructions"
)

// GlobalOwner scopes rows that belong to no particular user
const GlobalOwner = "_global"

// ErrNotFound is returned by Get when no row matches
var ErrNotFound = errors.New("record not found")

// Datastore is the system of record: row-level CRUD on named tables,
// always filtered by owner (user id or GlobalOwner).
type Datastore interface {
	// Get returns the most recent row of table owned by owner
	Get(ctx context.Context, table, owner string) (models.Record, error)
	// List returns up to limit rows, most recent first. limit <= 0 returns all rows.
	List(ctx context.Context, table, owner string, limit int) ([]models.Record, error)
	// Insert appends a row and returns its id
	Insert(ctx context.Context, table, owner string, rec models.Record) (string, error)
	// Upsert replaces the single row owned by owner
	Upsert(ctx context.Context, table, owner string, rec models.Record) error
	// Delete removes every row owned by owner
	Delete(ctx context.Context, table, owner string) (int64, error)
	// Trim keeps only the newest keep rows owned by owner
	Trim(ctx context.Context, table, owner string, keep int) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

// ValidateTable rejects names that cannot be used as a table/collection identifier
func ValidateTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}
