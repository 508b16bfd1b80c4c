// Package session implements the Session Controller: per-connection
// lifecycle, identity, current room, row subscriptions, and the "/",
// "@", plain-text three-way input dispatch.
package session

import (
	"context"

	"github.com/tobert/sshwarma/internal/rowlog"
	"github.com/tobert/sshwarma/internal/scripthost"
	"github.com/tobert/sshwarma/internal/streaming"
	"github.com/tobert/sshwarma/pkg/models"
)

// Store is the persistence surface a Controller needs beyond what it
// hands straight through to its Host. *internal/room.Store satisfies
// this directly.
type Store interface {
	Room(ctx context.Context, id string) (*models.Room, error)
	RoomByName(ctx context.Context, name string) (*models.Room, error)
	BufferIDForRoom(ctx context.Context, roomID string) (string, error)
}

// RowAppender is the Row Log surface a Controller appends plain-text
// user messages through. *internal/rowlog.Log satisfies this.
type RowAppender interface {
	Append(ctx context.Context, bufferID string, method models.ContentMethod, author, content, parentID, toolName string) (*models.Row, error)
}

// Subscriber is the Row Log surface a Controller subscribes to its
// current room's buffer through. *internal/rowlog.Log satisfies this.
type Subscriber interface {
	Subscribe(bufferID string) rowlog.EventStream
}

// TurnRunner is the Streaming Pipeline surface an @mention dispatches
// into. *internal/streaming.Pipeline satisfies this.
type TurnRunner interface {
	RunTurn(ctx context.Context, t streaming.Turn) error
}

// scriptHost is the Script Host surface a Controller drives.
// *scripthost.Host satisfies this; tests supply fakes instead of
// standing up a real Lua state.
type scriptHost interface {
	OnInput(ctx context.Context, data []byte) (scripthost.Action, error)
	OnTick(ctx context.Context, tick int64) (scripthost.Action, error)
	Background(ctx context.Context, tick int64) error
	OnRowAdded(ctx context.Context, bufferID string, row *models.Row) error
	RunCommand(ctx context.Context, name string, args []string) (scripthost.CommandResult, error)
	Session() scripthost.SessionInfo
	MarkDirty(tag string)
	Close()
}

// HostFactory builds the Script Host for one Controller. Returns the
// concrete *scripthost.Host (not the package-local scriptHost interface,
// which callers outside this package can't name) — New assigns it into
// the interface-typed field itself.
type HostFactory func(session scripthost.SessionInfo) *scripthost.Host

// Output is where a Controller writes text back to the connected
// terminal. Rendering that text into ANSI draw operations is the
// terminal layer's job; a Controller only ever writes plain bytes here.
type Output interface {
	Write(data []byte) error
}

// Deps bundles everything a Controller needs to be constructed.
type Deps struct {
	Store      Store
	Rows       RowAppender
	Subscriber Subscriber
	Pipeline   TurnRunner
	NewHost    HostFactory
}
