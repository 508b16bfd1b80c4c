// Package rowlog implements the Row Log: an append-only, parent-linked,
// streaming-aware conversation log per room buffer.
package rowlog

import (
	"context"

	"github.com/tobert/sshwarma/pkg/models"
)

// RowStore is the persistence interface the Row Log drives. A durable
// implementation lives in internal/room (sqlite-backed); MemoryRowStore
// below is the in-memory implementation used by tests and standalone
// demos.
type RowStore interface {
	// Insert persists a new row. The store assigns nothing; the caller
	// has already populated ID/CreatedAt. Insert must fail if ParentID is
	// set and does not name an existing row in the same buffer.
	Insert(ctx context.Context, row *models.Row) error

	// Get fetches a single row by id.
	Get(ctx context.Context, id string) (*models.Row, error)

	// UpdateContent overwrites a row's content and/or method in place.
	// This is the only mutation path the store needs to support.
	UpdateContent(ctx context.Context, id string, content string, method models.ContentMethod) error

	// List returns up to limit rows in bufferID older than before (by
	// insertion order), in ascending order. before == "" means "newest".
	List(ctx context.Context, bufferID string, limit int, before string) ([]*models.Row, error)
}
