package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// CreateRoom creates a room and its one owned buffer in a single
// transaction, preserving the data model's "exactly one Buffer per Room"
// invariant.
func (s *Store) CreateRoom(ctx context.Context, name, description string) (*models.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.CreateRoom", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	r := &models.Room{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, vibe, description, metadata, deleted, created_at, updated_at)
		VALUES (?, ?, '', ?, '{}', 0, ?, ?)`,
		r.ID, r.Name, r.Description, r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339),
	); err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.CreateRoom", err)
	}

	bufferID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO buffers (id, room_id) VALUES (?, ?)`, bufferID, r.ID); err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.CreateRoom", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.CreateRoom", err)
	}
	return r, nil
}

// Fork creates a new room cloning source's vibe/description and its
// equipped Things, but not its row history.
func (s *Store) Fork(ctx context.Context, sourceID, newName string) (*models.Room, error) {
	src, err := s.Room(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	dst, err := s.CreateRoom(ctx, newName, src.Description)
	if err != nil {
		return nil, err
	}
	if err := s.SetVibe(ctx, dst.ID, src.Vibe); err != nil {
		return nil, err
	}
	equipment, err := s.EquipmentFor(ctx, models.TargetRoom, sourceID)
	if err != nil {
		return nil, err
	}
	for _, eq := range equipment {
		clone := *eq
		clone.ID = uuid.NewString()
		clone.TargetID = dst.ID
		if err := s.Equip(ctx, &clone); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// Room fetches a room by id.
func (s *Store) Room(ctx context.Context, id string) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, vibe, description, metadata, deleted, created_at, updated_at
		FROM rooms WHERE id = ?`, id)
	return scanRoom(row)
}

// RoomByName fetches a room by its unique human name.
func (s *Store) RoomByName(ctx context.Context, name string) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, vibe, description, metadata, deleted, created_at, updated_at
		FROM rooms WHERE name = ?`, name)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (*models.Room, error) {
	var r models.Room
	var metadata string
	var deleted int
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Name, &r.Vibe, &r.Description, &metadata, &deleted, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.Newf(coreerr.NotFound, "room.Room", "room not found")
		}
		return nil, coreerr.New(coreerr.Storage, "room.Room", err)
	}
	r.Deleted = deleted != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &r.Metadata)
	}
	return &r, nil
}

// Rooms lists every non-deleted room.
func (s *Store) Rooms(ctx context.Context) ([]*models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, vibe, description, metadata, deleted, created_at, updated_at
		FROM rooms WHERE deleted = 0 ORDER BY name`)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.Rooms", err)
	}
	defer rows.Close()

	var out []*models.Room
	for rows.Next() {
		var r models.Room
		var metadata string
		var deleted int
		var createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.Name, &r.Vibe, &r.Description, &metadata, &deleted, &createdAt, &updatedAt); err != nil {
			return nil, coreerr.New(coreerr.Storage, "room.Rooms", err)
		}
		r.Deleted = deleted != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		if metadata != "" {
			_ = json.Unmarshal([]byte(metadata), &r.Metadata)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SoftDeleteRoom marks a room deleted without removing its row history.
func (s *Store) SoftDeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rooms SET deleted = 1, updated_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.SoftDeleteRoom", err)
	}
	return nil
}

// SetVibe updates a room's free-text vibe.
func (s *Store) SetVibe(ctx context.Context, id, vibe string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET vibe = ?, updated_at = ? WHERE id = ?`, vibe, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.SetVibe", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.Newf(coreerr.NotFound, "room.SetVibe", "room %q not found", id)
	}
	return nil
}

// SetNavigationDisabled flips the per-room "navigation enabled" flag,
// enforced at the Tool Registry's visible_for.
func (s *Store) SetNavigationDisabled(ctx context.Context, id string, disabled bool) error {
	r, err := s.Room(ctx, id)
	if err != nil {
		return err
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata["navigation_disabled"] = disabled
	encoded, err := json.Marshal(r.Metadata)
	if err != nil {
		return coreerr.New(coreerr.Internal, "room.SetNavigationDisabled", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE rooms SET metadata = ?, updated_at = ? WHERE id = ?`, string(encoded), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.SetNavigationDisabled", err)
	}
	return nil
}

// BufferIDForRoom returns the id of a room's one owned buffer.
func (s *Store) BufferIDForRoom(ctx context.Context, roomID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM buffers WHERE room_id = ?`, roomID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", coreerr.Newf(coreerr.NotFound, "room.BufferIDForRoom", "no buffer for room %q", roomID)
	}
	if err != nil {
		return "", coreerr.New(coreerr.Storage, "room.BufferIDForRoom", err)
	}
	return id, nil
}

// AddExit records a directed edge from->to keyed by direction. Exits
// are stored standalone and never followed as owning references, so
// cyclic room graphs are unremarkable.
func (s *Store) AddExit(ctx context.Context, fromRoomID, toRoomID, direction string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exits (from_room_id, to_room_id, direction) VALUES (?, ?, ?)
		ON CONFLICT (from_room_id, direction) DO UPDATE SET to_room_id = excluded.to_room_id`,
		fromRoomID, toRoomID, direction)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.AddExit", err)
	}
	return nil
}

// Exits lists every exit leading out of roomID.
func (s *Store) Exits(ctx context.Context, roomID string) ([]models.Exit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_room_id, to_room_id, direction FROM exits WHERE from_room_id = ? ORDER BY direction`, roomID)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.Exits", err)
	}
	defer rows.Close()

	var out []models.Exit
	for rows.Next() {
		var e models.Exit
		if err := rows.Scan(&e.FromRoomID, &e.ToRoomID, &e.Direction); err != nil {
			return nil, coreerr.New(coreerr.Storage, "room.Exits", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExitTo resolves a single exit by direction, NotFound if absent.
func (s *Store) ExitTo(ctx context.Context, fromRoomID, direction string) (*models.Exit, error) {
	var e models.Exit
	err := s.db.QueryRowContext(ctx, `SELECT from_room_id, to_room_id, direction FROM exits WHERE from_room_id = ? AND direction = ?`, fromRoomID, direction).
		Scan(&e.FromRoomID, &e.ToRoomID, &e.Direction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.Newf(coreerr.NotFound, "room.ExitTo", "no exit %q from room %q", direction, fromRoomID)
	}
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.ExitTo", err)
	}
	return &e, nil
}
