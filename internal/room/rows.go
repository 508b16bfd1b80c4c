package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// RowStore adapts *Store to rowlog.RowStore, backed by sqlite with an
// explicit per-buffer monotonic seq column so List/before ordering is a
// single indexed range scan rather than an in-memory resort.
type RowStore struct {
	s *Store
}

// Rows returns the rowlog.RowStore view of this Store.
func (s *Store) Rows() *RowStore {
	return &RowStore{s: s}
}

func (rs *RowStore) Insert(ctx context.Context, row *models.Row) error {
	tx, err := rs.s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.Rows.Insert", err)
	}
	defer tx.Rollback()

	if row.ParentID != "" {
		var parentBufferID, parentMethod, parentToolName string
		err := tx.QueryRowContext(ctx, `SELECT buffer_id, method, tool_name FROM rows WHERE id = ?`, row.ParentID).
			Scan(&parentBufferID, &parentMethod, &parentToolName)
		if errors.Is(err, sql.ErrNoRows) {
			return coreerr.Newf(coreerr.InvalidArgument, "room.Rows.Insert", "parent row %q not found", row.ParentID)
		}
		if err != nil {
			return coreerr.New(coreerr.Storage, "room.Rows.Insert", err)
		}
		if parentBufferID != row.BufferID {
			return coreerr.Newf(coreerr.InvalidArgument, "room.Rows.Insert", "parent row %q not in buffer %q", row.ParentID, row.BufferID)
		}
		if row.Method == models.MethodToolResult {
			if models.ContentMethod(parentMethod) != models.MethodToolCall {
				return coreerr.Newf(coreerr.InvalidArgument, "room.Rows.Insert", "tool.result parent %q is not a tool.call", row.ParentID)
			}
			if row.ToolName != parentToolName {
				return coreerr.Newf(coreerr.InvalidArgument, "room.Rows.Insert", "tool.result tool_name %q does not match parent %q", row.ToolName, parentToolName)
			}
		}
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM rows WHERE buffer_id = ?`, row.BufferID).Scan(&nextSeq); err != nil {
		return coreerr.New(coreerr.Storage, "room.Rows.Insert", err)
	}

	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return coreerr.New(coreerr.Internal, "room.Rows.Insert", err)
	}

	var parentID any
	if row.ParentID != "" {
		parentID = row.ParentID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rows (id, buffer_id, parent_id, method, author, content, tool_name, tags, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.BufferID, parentID, string(row.Method), row.Author, row.Content, row.ToolName, string(tags),
		row.CreatedAt.Format(time.RFC3339Nano), nextSeq,
	)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.Rows.Insert", err)
	}
	if err := tx.Commit(); err != nil {
		return coreerr.New(coreerr.Storage, "room.Rows.Insert", err)
	}
	return nil
}

func (rs *RowStore) Get(ctx context.Context, id string) (*models.Row, error) {
	row := rs.s.db.QueryRowContext(ctx, `
		SELECT id, buffer_id, parent_id, method, author, content, tool_name, tags, created_at
		FROM rows WHERE id = ?`, id)
	return scanRow(row)
}

func (rs *RowStore) UpdateContent(ctx context.Context, id string, content string, method models.ContentMethod) error {
	res, err := rs.s.db.ExecContext(ctx, `UPDATE rows SET content = ?, method = ? WHERE id = ?`, content, string(method), id)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.Rows.UpdateContent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.Newf(coreerr.NotFound, "room.Rows.UpdateContent", "row %q not found", id)
	}
	return nil
}

func (rs *RowStore) List(ctx context.Context, bufferID string, limit int, before string) ([]*models.Row, error) {
	beforeSeq := int64(-1) // -1 sentinel means "newest" below
	if before != "" {
		if err := rs.s.db.QueryRowContext(ctx, `SELECT seq FROM rows WHERE id = ?`, before).Scan(&beforeSeq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, coreerr.Newf(coreerr.InvalidArgument, "room.Rows.List", "before row %q not found", before)
			}
			return nil, coreerr.New(coreerr.Storage, "room.Rows.List", err)
		}
	}

	var rows *sql.Rows
	var err error
	query := `
		SELECT id, buffer_id, parent_id, method, author, content, tool_name, tags, created_at
		FROM rows WHERE buffer_id = ?`
	args := []any{bufferID}
	if beforeSeq >= 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err = rs.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.Rows.List", err)
	}
	defer rows.Close()

	var out []*models.Row
	for rows.Next() {
		r, err := scanRowCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.Rows.List", err)
	}
	// reverse DESC scan back into ascending insertion order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row) (*models.Row, error) {
	r, err := scanRowCols(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.Newf(coreerr.NotFound, "room.Rows.Get", "row not found")
	}
	return r, err
}

func scanRowCols(s scanner) (*models.Row, error) {
	var r models.Row
	var parentID sql.NullString
	var method, tags, createdAt string
	if err := s.Scan(&r.ID, &r.BufferID, &parentID, &method, &r.Author, &r.Content, &r.ToolName, &tags, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, coreerr.New(coreerr.Storage, "room.Rows.scan", err)
	}
	r.ParentID = parentID.String
	r.Method = models.ContentMethod(method)
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &r.Tags)
	}
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, coreerr.New(coreerr.Internal, "room.Rows.scan", fmt.Errorf("parse created_at: %w", err))
	}
	r.CreatedAt = parsed
	return &r, nil
}
