package scripthost

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/tobert/sshwarma/pkg/coreerr"
)

func newTestHost(t *testing.T, deps Deps, session SessionInfo) *Host {
	t.Helper()
	h := NewHost(slog.Default(), deps, session)
	t.Cleanup(h.Close)
	return h
}

func TestHost_OnInputSubmitsLineOnCR(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, Deps{}, SessionInfo{UserName: "alice"})

	action, err := h.OnInput(ctx, []byte("hi\r"))
	if err != nil {
		t.Fatalf("OnInput: %v", err)
	}
	if action.Kind != ActionExecute || action.Text != "hi" {
		t.Errorf("action = %+v, want execute %q", action, "hi")
	}

	// The accumulator was consumed by the submit; loose bytes just redraw.
	action, err = h.OnInput(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("OnInput: %v", err)
	}
	if action.Kind != ActionRedraw {
		t.Errorf("action kind = %q, want redraw", action.Kind)
	}
}

func TestHost_OnInputControlBytes(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, Deps{}, SessionInfo{UserName: "alice"})

	for _, tc := range []struct {
		b    byte
		want ActionKind
	}{
		{27, ActionEscape},
		{9, ActionTab},
		{3, ActionQuit},
	} {
		action, err := h.OnInput(ctx, []byte{tc.b})
		if err != nil {
			t.Fatalf("OnInput(%d): %v", tc.b, err)
		}
		if action.Kind != tc.want {
			t.Errorf("OnInput(%d) kind = %q, want %q", tc.b, action.Kind, tc.want)
		}
	}
}

func TestHost_RunCommandUnknown(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, Deps{}, SessionInfo{UserName: "alice"})

	result, err := h.RunCommand(ctx, "zap", nil)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if result.Text != "unknown command: zap" {
		t.Errorf("text = %q", result.Text)
	}
	if result.Mode != "notification" {
		t.Errorf("mode = %q, want notification", result.Mode)
	}
}

func TestHost_RunCommandHelpListsHandlers(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, Deps{}, SessionInfo{UserName: "alice"})

	result, err := h.RunCommand(ctx, "help", nil)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if result.Mode != "page" {
		t.Errorf("mode = %q, want page", result.Mode)
	}
	for _, name := range []string{"join", "mcp", "tools", "quit"} {
		if !strings.Contains(result.Text, name) {
			t.Errorf("help output missing %q: %q", name, result.Text)
		}
	}
}

func TestHost_RunCommandQuitSignalsSessionEnd(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, Deps{}, SessionInfo{UserName: "alice"})

	result, err := h.RunCommand(ctx, "quit", nil)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if result.Mode != "quit" {
		t.Errorf("mode = %q, want quit", result.Mode)
	}
}

func TestHost_UserScriptOverridesAndHotReloads(t *testing.T) {
	ctx := context.Background()
	store := newStubScriptStore()
	if err := store.PutScript(ctx, "user", "u1", "commands",
		`return { dispatch_command = function(name, args) return { text = "custom:" .. name, mode = "notification" } end }`); err != nil {
		t.Fatalf("PutScript: %v", err)
	}
	h := newTestHost(t, Deps{Scripts: store}, SessionInfo{UserID: "u1", UserName: "alice"})

	result, err := h.RunCommand(ctx, "help", nil)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if result.Text != "custom:help" {
		t.Errorf("text = %q, want the user override's output", result.Text)
	}

	// A changed stored script is picked up on the next dispatch with no
	// explicit invalidation.
	if err := store.PutScript(ctx, "user", "u1", "commands",
		`return { dispatch_command = function(name, args) return { text = "v2:" .. name, mode = "notification" } end }`); err != nil {
		t.Fatalf("PutScript: %v", err)
	}
	result, err = h.RunCommand(ctx, "help", nil)
	if err != nil {
		t.Fatalf("RunCommand after update: %v", err)
	}
	if result.Text != "v2:help" {
		t.Errorf("text = %q, want the updated script's output", result.Text)
	}
}

func TestHost_SyntaxErrorSurfacesUntilFixed(t *testing.T) {
	ctx := context.Background()
	store := newStubScriptStore()
	if err := store.PutScript(ctx, "user", "u1", "commands", "return {((("); err != nil {
		t.Fatalf("PutScript: %v", err)
	}
	h := newTestHost(t, Deps{Scripts: store}, SessionInfo{UserID: "u1", UserName: "alice"})

	// The broken override does not silently fall back to the embedded
	// module; the caller sees the error on every dispatch.
	if _, err := h.RunCommand(ctx, "help", nil); coreerr.KindOf(err) != coreerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if _, err := h.RunCommand(ctx, "help", nil); err == nil {
		t.Fatal("still-broken script should still fail")
	}

	if err := store.PutScript(ctx, "user", "u1", "commands",
		`return { dispatch_command = function(name, args) return { text = "fixed", mode = "notification" } end }`); err != nil {
		t.Fatalf("PutScript: %v", err)
	}
	result, err := h.RunCommand(ctx, "help", nil)
	if err != nil {
		t.Fatalf("RunCommand after fix: %v", err)
	}
	if result.Text != "fixed" {
		t.Errorf("text = %q, want fixed", result.Text)
	}
}

func TestHost_BackgroundWithoutModuleIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, Deps{}, SessionInfo{UserName: "alice"})

	if err := h.Background(ctx, 7); err != nil {
		t.Fatalf("Background with no module defined: %v", err)
	}
}

func TestHost_OnTickDefaultRenderIsQuiet(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, Deps{}, SessionInfo{UserName: "alice"})
	h.MarkDirty("chat")

	action, err := h.OnTick(ctx, 1)
	if err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if action.Kind != ActionNone {
		t.Errorf("action kind = %q, want none", action.Kind)
	}
}
