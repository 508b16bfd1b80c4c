package rowlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls behind this far misses events and must reconcile via List;
// a sink is fire-and-forget, never a backpressure point for the
// producer.
const subscriberBuffer = 64

// Log is the Row Log: an append-only, parent-linked, streaming-aware
// conversation log layered over a RowStore, with a monotonic per-buffer
// sequence and fan-out to subscribers.
type Log struct {
	store  RowStore
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]*subscription // bufferID -> subscribers
	seq  map[string]*uint64         // bufferID -> sequence counter
}

type subscription struct {
	ch chan *models.RowEvent
}

// EventStream is what subscribe returns: a read-only channel of row
// events and an Unsubscribe to release it.
type EventStream struct {
	Events      <-chan *models.RowEvent
	Unsubscribe func()
}

// New creates a Row Log over the given store.
func New(store RowStore, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:  store,
		logger: logger.With("component", "rowlog"),
		subs:   make(map[string][]*subscription),
		seq:    make(map[string]*uint64),
	}
}

// Append allocates a row, persists it, and publishes row_added. Storage
// failure is reported to the caller and never produces an event.
func (l *Log) Append(ctx context.Context, bufferID string, method models.ContentMethod, author, content, parentID, toolName string) (*models.Row, error) {
	row := &models.Row{
		ID:        uuid.NewString(),
		BufferID:  bufferID,
		ParentID:  parentID,
		Method:    method,
		Author:    author,
		Content:   content,
		ToolName:  toolName,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.Insert(ctx, row); err != nil {
		return nil, err
	}
	l.publish(bufferID, models.RowAdded, row)
	return row, nil
}

// UpdateChunkContent overwrites the content of an in-flight
// message.model.chunk row. No-op if the row has already been finalised;
// fails loudly for any other method since that would be an invalid
// mutation of an otherwise-immutable row.
func (l *Log) UpdateChunkContent(ctx context.Context, rowID, newContent string) error {
	row, err := l.store.Get(ctx, rowID)
	if err != nil {
		return err
	}
	if !row.IsChunk() {
		if row.Method == models.MethodModelMessage {
			return nil // already finalised; caller's chunk update is stale
		}
		return coreerr.Newf(coreerr.InvalidArgument, "rowlog.UpdateChunkContent", "row %q is not a chunk (method %q)", rowID, row.Method)
	}
	if err := l.store.UpdateContent(ctx, rowID, newContent, models.MethodModelChunk); err != nil {
		l.logger.Error("chunk update failed, row left at last successful content", "row_id", rowID, "error", err)
		return err
	}
	row.Content = newContent
	l.publish(row.BufferID, models.RowUpdated, row)
	return nil
}

// FinaliseChunk transitions a message.model.chunk row to message.model.
// Idempotent: finalising an already-final row is a no-op success.
func (l *Log) FinaliseChunk(ctx context.Context, rowID string) error {
	row, err := l.store.Get(ctx, rowID)
	if err != nil {
		return err
	}
	if row.Method == models.MethodModelMessage {
		return nil
	}
	if row.Method != models.MethodModelChunk {
		return coreerr.Newf(coreerr.InvalidArgument, "rowlog.FinaliseChunk", "row %q is not a chunk (method %q)", rowID, row.Method)
	}
	if err := l.store.UpdateContent(ctx, rowID, row.Content, models.MethodModelMessage); err != nil {
		l.logger.Error("chunk finalisation failed, row remains visible as a chunk", "row_id", rowID, "error", err)
		return err
	}
	row.Method = models.MethodModelMessage
	l.publish(row.BufferID, models.RowUpdated, row)
	return nil
}

// List returns up to limit rows in bufferID older than before, ascending.
func (l *Log) List(ctx context.Context, bufferID string, limit int, before string) ([]*models.Row, error) {
	return l.store.List(ctx, bufferID, limit, before)
}

// Subscribe registers for row_added/row_updated events on bufferID.
// Delivery is in-order per subscriber; a subscriber that falls behind
// subscriberBuffer events silently misses some and must reconcile via
// List.
func (l *Log) Subscribe(bufferID string) EventStream {
	sub := &subscription{ch: make(chan *models.RowEvent, subscriberBuffer)}

	l.mu.Lock()
	l.subs[bufferID] = append(l.subs[bufferID], sub)
	l.mu.Unlock()

	return EventStream{
		Events: sub.ch,
		Unsubscribe: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			peers := l.subs[bufferID]
			for i, s := range peers {
				if s == sub {
					l.subs[bufferID] = append(peers[:i], peers[i+1:]...)
					close(sub.ch)
					return
				}
			}
		},
	}
}

func (l *Log) publish(bufferID string, typ models.RowEventType, row *models.Row) {
	l.mu.Lock()
	counter := l.seq[bufferID]
	if counter == nil {
		counter = new(uint64)
		l.seq[bufferID] = counter
	}
	peers := l.subs[bufferID]
	l.mu.Unlock()

	evt := &models.RowEvent{
		Type:     typ,
		Sequence: atomic.AddUint64(counter, 1),
		Time:     time.Now().UTC(),
		BufferID: bufferID,
		Row:      row.Clone(),
	}
	for _, sub := range peers {
		select {
		case sub.ch <- evt:
		default:
			l.logger.Warn("subscriber buffer full, dropping event", "buffer_id", bufferID, "seq", evt.Sequence)
		}
	}
}
