package room

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// ThingCreate inserts a new Thing addressable as owner:name.
func (s *Store) ThingCreate(ctx context.Context, t *models.Thing) (*models.Thing, error) {
	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO things (id, owner, name, kind, parent_id, body, available, default_slot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Owner, t.Name, string(t.Kind), nullableString(t.ParentID), t.Body, boolToInt(t.Available), t.DefaultSlot,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.ThingCreate", err)
	}
	return t, nil
}

// Thing fetches a Thing by id.
func (s *Store) Thing(ctx context.Context, id string) (*models.Thing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, kind, parent_id, body, available, default_slot, created_at, updated_at
		FROM things WHERE id = ?`, id)
	return scanThing(row)
}

// ThingByQualifiedName fetches a Thing by its owner:name address.
func (s *Store) ThingByQualifiedName(ctx context.Context, owner, name string) (*models.Thing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, kind, parent_id, body, available, default_slot, created_at, updated_at
		FROM things WHERE owner = ? AND name = ?`, owner, name)
	return scanThing(row)
}

func scanThing(row *sql.Row) (*models.Thing, error) {
	var t models.Thing
	var parentID sql.NullString
	var kind string
	var available int
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Owner, &t.Name, &kind, &parentID, &t.Body, &available, &t.DefaultSlot, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.Newf(coreerr.NotFound, "room.Thing", "thing not found")
	}
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.Thing", err)
	}
	t.ParentID = parentID.String
	t.Kind = models.ThingKind(kind)
	t.Available = available != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}

// ThingsFind returns Things whose owner:name matches a glob-like pattern
// containing "*".
func (s *Store) ThingsFind(ctx context.Context, pattern string) ([]*models.Thing, error) {
	likePattern := globToLike(pattern)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, name, kind, parent_id, body, available, default_slot, created_at, updated_at
		FROM things WHERE (owner || ':' || name) LIKE ? ORDER BY owner, name`, likePattern)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.ThingsFind", err)
	}
	defer rows.Close()
	return scanThings(rows)
}

// ThingsChildren lists Things whose ParentID is parentID (containment).
func (s *Store) ThingsChildren(ctx context.Context, parentID string) ([]*models.Thing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, name, kind, parent_id, body, available, default_slot, created_at, updated_at
		FROM things WHERE parent_id = ? ORDER BY owner, name`, parentID)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.ThingsChildren", err)
	}
	defer rows.Close()
	return scanThings(rows)
}

func scanThings(rows *sql.Rows) ([]*models.Thing, error) {
	var out []*models.Thing
	for rows.Next() {
		var t models.Thing
		var parentID sql.NullString
		var kind string
		var available int
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.Owner, &t.Name, &kind, &parentID, &t.Body, &available, &t.DefaultSlot, &createdAt, &updatedAt); err != nil {
			return nil, coreerr.New(coreerr.Storage, "room.scanThings", err)
		}
		t.ParentID = parentID.String
		t.Kind = models.ThingKind(kind)
		t.Available = available != 0
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ThingDelete removes a Thing and unequips it everywhere it was bound.
func (s *Store) ThingDelete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.ThingDelete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM equipment WHERE thing_id = ?`, id); err != nil {
		return coreerr.New(coreerr.Storage, "room.ThingDelete", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM things WHERE id = ?`, id); err != nil {
		return coreerr.New(coreerr.Storage, "room.ThingDelete", err)
	}
	if err := tx.Commit(); err != nil {
		return coreerr.New(coreerr.Storage, "room.ThingDelete", err)
	}
	return nil
}

// ThingCopy duplicates a Thing under a new parent, generating a fresh
// id.
func (s *Store) ThingCopy(ctx context.Context, id, newParentID string) (*models.Thing, error) {
	src, err := s.Thing(ctx, id)
	if err != nil {
		return nil, err
	}
	clone := *src
	clone.ParentID = newParentID
	return s.ThingCreate(ctx, &clone)
}

// ThingMove reparents a Thing in place.
func (s *Store) ThingMove(ctx context.Context, id, newParentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE things SET parent_id = ?, updated_at = ? WHERE id = ?`,
		nullableString(newParentID), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.ThingMove", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.Newf(coreerr.NotFound, "room.ThingMove", "thing %q not found", id)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func globToLike(pattern string) string {
	out := make([]rune, 0, len(pattern))
	for _, r := range pattern {
		switch r {
		case '*':
			out = append(out, '%')
		case '%', '_':
			out = append(out, '\\', r)
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
