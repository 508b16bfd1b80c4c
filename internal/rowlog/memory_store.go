package rowlog

import (
	"context"
	"sync"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// MemoryRowStore is an in-memory RowStore: a mutex-guarded map with
// clone-on-read. It keeps rows in insertion order per buffer so List can
// slice directly instead of re-sorting.
type MemoryRowStore struct {
	mu      sync.RWMutex
	byID    map[string]*models.Row
	byOrder map[string][]string // bufferID -> row ids, insertion order
}

// NewMemoryRowStore creates an empty in-memory row store.
func NewMemoryRowStore() *MemoryRowStore {
	return &MemoryRowStore{
		byID:    make(map[string]*models.Row),
		byOrder: make(map[string][]string),
	}
}

func (s *MemoryRowStore) Insert(ctx context.Context, row *models.Row) error {
	if row == nil {
		return coreerr.Newf(coreerr.InvalidArgument, "rowlog.Insert", "row is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.ParentID != "" {
		parent, ok := s.byID[row.ParentID]
		if !ok || parent.BufferID != row.BufferID {
			return coreerr.Newf(coreerr.InvalidArgument, "rowlog.Insert", "parent row %q not found in buffer %q", row.ParentID, row.BufferID)
		}
		if row.Method == models.MethodToolResult {
			if parent.Method != models.MethodToolCall {
				return coreerr.Newf(coreerr.InvalidArgument, "rowlog.Insert", "tool.result parent %q is not a tool.call", row.ParentID)
			}
			if row.ToolName != parent.ToolName {
				return coreerr.Newf(coreerr.InvalidArgument, "rowlog.Insert", "tool.result tool_name %q does not match parent tool_name %q", row.ToolName, parent.ToolName)
			}
		}
	}

	s.byID[row.ID] = row.Clone()
	s.byOrder[row.BufferID] = append(s.byOrder[row.BufferID], row.ID)
	return nil
}

func (s *MemoryRowStore) Get(ctx context.Context, id string) (*models.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.byID[id]
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "rowlog.Get", "row %q not found", id)
	}
	return row.Clone(), nil
}

func (s *MemoryRowStore) UpdateContent(ctx context.Context, id string, content string, method models.ContentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[id]
	if !ok {
		return coreerr.Newf(coreerr.NotFound, "rowlog.UpdateContent", "row %q not found", id)
	}
	row.Content = content
	row.Method = method
	return nil
}

func (s *MemoryRowStore) List(ctx context.Context, bufferID string, limit int, before string) ([]*models.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byOrder[bufferID]
	end := len(ids)
	if before != "" {
		for i, id := range ids {
			if id == before {
				end = i
				break
			}
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	if start > end {
		start = end
	}
	out := make([]*models.Row, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, s.byID[id].Clone())
	}
	return out, nil
}
