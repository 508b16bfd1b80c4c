package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// RegisterDefaultBuiltins wires the built-in room/inventory/history
// tools onto a Router, named after the script capability operations so
// the Script Host and the model-facing Router expose matching verbs.
func RegisterDefaultBuiltins(r *Router, store Store, rows RowReader) {
	r.RegisterBuiltin(&Builtin{
		Name:        "look",
		Description: "Describe the current room.",
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			room, err := store.Room(ctx, cc.RoomID)
			if err != nil {
				return "", coreerr.New(coreerr.Storage, "tools.look", err)
			}
			return fmt.Sprintf("%s\n%s", room.Name, room.Description), nil
		},
	})

	r.RegisterBuiltin(&Builtin{
		Name:        "go",
		Description: "Move to an adjacent room by exit direction.",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"direction": map[string]any{"type": "string", "description": "exit direction to follow"},
			},
			"required": []string{"direction"},
		},
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			direction, _ := args["direction"].(string)
			if direction == "" {
				return "", coreerr.Newf(coreerr.InvalidArgument, "tools.go", "direction is required")
			}
			// Exit resolution is owned by the room store; the router only
			// enforces the navigation_disabled visibility gate (see Call).
			// The result is the destination room's id and name; no session's
			// current room is changed here.
			exit, err := store.ExitTo(ctx, cc.RoomID, direction)
			if err != nil {
				return "", err
			}
			dest, err := store.Room(ctx, exit.ToRoomID)
			if err != nil {
				return "", coreerr.New(coreerr.Storage, "tools.go", err)
			}
			return fmt.Sprintf("%s\t%s", dest.ID, dest.Name), nil
		},
	})

	r.RegisterBuiltin(&Builtin{
		Name:        "inventory",
		Description: "List Things equipped to the current room and agent.",
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			tools, err := r.VisibleFor(ctx, cc.RoomID, cc.AgentID)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(tools))
			for _, t := range tools {
				names = append(names, t.QualifiedName)
			}
			return fmt.Sprintf("%v", names), nil
		},
	})

	r.RegisterBuiltin(&Builtin{
		Name:        "history",
		Description: "Recent rows of the current room, ascending.",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"limit": map[string]any{"type": "number", "description": "maximum rows to return"},
			},
		},
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			if rows == nil {
				return "", coreerr.Newf(coreerr.Internal, "tools.history", "no row reader wired")
			}
			limit := 50
			if v, ok := args["limit"]; ok {
				if n, err := toInt(v); err == nil && n > 0 {
					limit = n
				}
			}
			bufferID, err := store.BufferIDForRoom(ctx, cc.RoomID)
			if err != nil {
				return "", coreerr.New(coreerr.Storage, "tools.history", err)
			}
			result, err := rows.List(ctx, bufferID, limit, "")
			if err != nil {
				return "", coreerr.New(coreerr.Storage, "tools.history", err)
			}
			var b strings.Builder
			for _, row := range result {
				fmt.Fprintf(&b, "%s: %s\n", row.Author, row.Content)
			}
			return b.String(), nil
		},
	})

	r.RegisterBuiltin(&Builtin{
		Name:        "equip",
		Description: "Equip a Thing to the room at a slot.",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"thing_id": map[string]any{"type": "string"},
				"slot":     map[string]any{"type": "string"},
				"priority": map[string]any{"type": "number"},
			},
			"required": []string{"thing_id"},
		},
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			thingID, _ := args["thing_id"].(string)
			if thingID == "" {
				return "", coreerr.Newf(coreerr.InvalidArgument, "tools.equip", "thing_id is required")
			}
			thing, err := store.Thing(ctx, thingID)
			if err != nil {
				return "", coreerr.New(coreerr.NotFound, "tools.equip", err)
			}
			slot, _ := args["slot"].(string)
			priority := 0
			if v, ok := args["priority"]; ok {
				priority, _ = toInt(v)
			}
			if err := r.Equip(ctx, models.TargetRoom, cc.RoomID, slot, thing, priority, ""); err != nil {
				return "", err
			}
			return "equipped", nil
		},
	})

	r.RegisterBuiltin(&Builtin{
		Name:        "unequip",
		Description: "Unequip a Thing from the room.",
		InputSchema: map[string]any{
			"properties": map[string]any{
				"thing_id": map[string]any{"type": "string"},
				"slot":     map[string]any{"type": "string"},
			},
			"required": []string{"thing_id"},
		},
		Fn: func(ctx context.Context, cc CallContext, args map[string]any) (string, error) {
			thingID, _ := args["thing_id"].(string)
			if thingID == "" {
				return "", coreerr.Newf(coreerr.InvalidArgument, "tools.unequip", "thing_id is required")
			}
			slot, _ := args["slot"].(string)
			if err := r.Unequip(ctx, models.TargetRoom, cc.RoomID, slot, thingID); err != nil {
				return "", err
			}
			return "unequipped", nil
		},
	})
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
