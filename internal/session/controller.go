package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tobert/sshwarma/internal/commands"
	"github.com/tobert/sshwarma/internal/rowlog"
	"github.com/tobert/sshwarma/internal/scripthost"
	"github.com/tobert/sshwarma/internal/streaming"
	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

const (
	onTickInterval     = 100 * time.Millisecond
	backgroundInterval = 500 * time.Millisecond

	// defaultRoomName is the room a Controller lands in when no room is
	// specified, matching internal/scripthost's capLeave convention.
	defaultRoomName = "lobby"
)

// Controller is one connection's lifecycle: identity, current room, row
// subscription, and input dispatch. Not safe for concurrent use from
// more than one reader goroutine — one transport loop feeds HandleInput
// serially; the
// internal tick/background/row-subscription goroutines it owns
// synchronize through its own mutex.
type Controller struct {
	logger *slog.Logger
	deps   Deps
	output Output
	parser *commands.Parser

	user models.User

	mu       sync.Mutex
	room     *models.Room
	bufferID string
	host     scriptHost

	sub      rowlog.EventStream
	tick     int64
	turns    map[string]context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Controller, placing the user in roomName (or
// defaultRoomName if empty), subscribing to its buffer, and starting the
// on_tick/background drive loops. Callers must call Close on disconnect.
func New(ctx context.Context, logger *slog.Logger, deps Deps, output Output, user models.User, roomName string) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if roomName == "" {
		roomName = defaultRoomName
	}
	room, err := deps.Store.RoomByName(ctx, roomName)
	if err != nil {
		return nil, coreerr.New(coreerr.NotFound, "session.New", err)
	}
	bufferID, err := deps.Store.BufferIDForRoom(ctx, room.ID)
	if err != nil {
		return nil, coreerr.New(coreerr.Internal, "session.New", err)
	}

	c := &Controller{
		logger:   logger.With("component", "session", "user", user.Name),
		deps:     deps,
		output:   output,
		parser:   commands.NewParser(),
		user:     user,
		room:     room,
		bufferID: bufferID,
		turns:    make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
	c.host = deps.NewHost(scripthost.SessionInfo{
		UserID:   user.ID,
		UserName: user.Name,
		RoomID:   room.ID,
		RoomName: room.Name,
	})
	c.sub = deps.Subscriber.Subscribe(bufferID)

	c.wg.Add(1)
	go c.subscriptionLoop()
	c.wg.Add(1)
	go c.driveLoop()

	return c, nil
}

// RoomID returns the room the session is currently in.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room.ID
}

// HandleInput feeds raw transport bytes into the Script Host and acts on
// the returned Action.
func (c *Controller) HandleInput(ctx context.Context, data []byte) error {
	action, err := c.host.OnInput(ctx, data)
	if err != nil {
		c.logger.Warn("on_input failed", "error", err)
		return c.notify("error: " + err.Error())
	}
	return c.applyAction(ctx, action)
}

// HandleResize turns a transport resize event into a redraw: there is no
// dedicated resize entry point, so a "resize" dirty tag is set and on_tick
// runs at once. The new rows and cols are not passed to the Host.
func (c *Controller) HandleResize(ctx context.Context, rows, cols int) error {
	c.host.MarkDirty("resize")
	action, err := c.host.OnTick(ctx, atomic.AddInt64(&c.tick, 1))
	if err != nil {
		return nil
	}
	return c.applyAction(ctx, action)
}

func (c *Controller) applyAction(ctx context.Context, action scripthost.Action) error {
	switch action.Kind {
	case scripthost.ActionExecute:
		return c.dispatchLine(ctx, action.Text)
	case scripthost.ActionQuit:
		c.Close()
		return nil
	case scripthost.ActionNone:
		return nil
	default:
		// redraw/clear_screen/escape/page_up/page_down/tab: the
		// transport layer, not this controller, owns materializing
		// these into ANSI output.
		if action.Text != "" {
			return c.output.Write([]byte(action.Text))
		}
		return nil
	}
}

// dispatchLine is the "/", "@", plain-text three-way dispatch.
func (c *Controller) dispatchLine(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(text, "/"):
		return c.dispatchCommand(ctx, text)
	case strings.HasPrefix(text, "@"):
		return c.dispatchMention(ctx, text)
	default:
		c.mu.Lock()
		bufferID := c.bufferID
		c.mu.Unlock()
		_, err := c.deps.Rows.Append(ctx, bufferID, models.MethodUserMessage, c.user.Name, text, "", "")
		if err != nil {
			c.logger.Error("append user message failed", "error", err)
		}
		return err
	}
}

func (c *Controller) dispatchCommand(ctx context.Context, text string) error {
	parsed := c.parser.ParseCommand(text)
	if parsed == nil {
		return c.notify("not a command: " + text)
	}
	args := strings.Fields(parsed.Args)
	result, err := c.host.RunCommand(ctx, parsed.Name, args)
	if err != nil {
		c.logger.Warn("command dispatch failed", "name", parsed.Name, "error", err)
		return c.notify("command failed: " + err.Error())
	}
	c.syncRoom(ctx)
	if result.Text != "" {
		if err := c.output.Write([]byte(result.Text)); err != nil {
			return err
		}
	}
	if result.Mode == "quit" {
		c.Close()
	}
	return nil
}

func (c *Controller) dispatchMention(ctx context.Context, text string) error {
	rest := strings.TrimPrefix(text, "@")
	fields := strings.SplitN(rest, " ", 2)
	agentName := fields[0]
	message := ""
	if len(fields) > 1 {
		message = strings.TrimSpace(fields[1])
	}
	if agentName == "" {
		return c.notify("usage: @<agent> <message>")
	}

	c.mu.Lock()
	roomID := c.room.ID
	c.mu.Unlock()

	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.turns[turnID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.turns, turnID)
			c.mu.Unlock()
			cancel()
		}()
		err := c.deps.Pipeline.RunTurn(turnCtx, streaming.Turn{
			RoomID:    roomID,
			UserID:    c.user.ID,
			UserName:  c.user.Name,
			AgentName: agentName,
			Message:   message,
		})
		if err != nil {
			c.logger.Warn("turn failed", "agent", agentName, "error", err)
		}
	}()
	return nil
}

// syncRoom realigns the Controller with the Script Host's current room.
// join/leave/go/fork commands move the host's session; the Controller's
// buffer and row subscription must follow or plain-text appends and
// mentions would keep landing in the room the session left.
func (c *Controller) syncRoom(ctx context.Context) {
	si := c.host.Session()
	c.mu.Lock()
	current := c.room.ID
	c.mu.Unlock()
	if si.RoomID == "" || si.RoomID == current {
		return
	}
	room, err := c.deps.Store.Room(ctx, si.RoomID)
	if err != nil {
		c.logger.Error("room sync failed", "room", si.RoomID, "error", err)
		return
	}
	bufferID, err := c.deps.Store.BufferIDForRoom(ctx, room.ID)
	if err != nil {
		c.logger.Error("room sync failed", "room", si.RoomID, "error", err)
		return
	}
	c.mu.Lock()
	old := c.sub
	c.room = room
	c.bufferID = bufferID
	c.sub = c.deps.Subscriber.Subscribe(bufferID)
	c.mu.Unlock()
	if old.Unsubscribe != nil {
		old.Unsubscribe()
	}
}

// subscriptionLoop feeds row events into the Script Host's on_row_added
// hook for as long as the subscription and Controller are both alive. A
// room change swaps c.sub out from under the loop; the stale channel's
// close is the signal to pick up the replacement.
func (c *Controller) subscriptionLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		events := c.sub.Events
		c.mu.Unlock()
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				c.mu.Lock()
				replaced := c.sub.Events != events
				c.mu.Unlock()
				if replaced {
					continue
				}
				return
			}
			if err := c.host.OnRowAdded(context.Background(), ev.BufferID, ev.Row); err != nil {
				c.logger.Warn("on_row_added failed", "error", err)
			}
		}
	}
}

// driveLoop runs the on_tick and background cadences.
func (c *Controller) driveLoop() {
	defer c.wg.Done()
	tickTicker := time.NewTicker(onTickInterval)
	bgTicker := time.NewTicker(backgroundInterval)
	defer tickTicker.Stop()
	defer bgTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-tickTicker.C:
			tick := atomic.AddInt64(&c.tick, 1)
			action, err := c.host.OnTick(context.Background(), tick)
			if err != nil {
				continue
			}
			if action.Kind != scripthost.ActionNone && action.Text != "" {
				_ = c.output.Write([]byte(action.Text))
			}
		case <-bgTicker.C:
			tick := atomic.AddInt64(&c.tick, 1)
			if err := c.host.Background(context.Background(), tick); err != nil {
				c.logger.Warn("background hook failed", "error", err)
			}
		}
	}
}

func (c *Controller) notify(text string) error {
	return c.output.Write([]byte(text))
}

// Close cancels all outstanding turns attributed to this session, stops
// the drive/subscription loops, and releases the Script Host. Safe to
// call more than once.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		turns := make([]context.CancelFunc, 0, len(c.turns))
		for _, cancel := range c.turns {
			turns = append(turns, cancel)
		}
		c.mu.Unlock()
		for _, cancel := range turns {
			cancel()
		}
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub.Unsubscribe != nil {
			sub.Unsubscribe()
		}
		c.wg.Wait()
		c.host.Close()
	})
}
