package scripthost

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tobert/sshwarma/pkg/coreerr"
)

// stubScriptStore is an in-memory ScriptStore keyed by scope/owner/name,
// assigning a strictly increasing UpdatedAt per Put so fingerprint
// changes are observable without sleeping.
type stubScriptStore struct {
	mu      sync.Mutex
	seq     int64
	bodies  map[string]string
	updated map[string]time.Time
}

func newStubScriptStore() *stubScriptStore {
	return &stubScriptStore{
		bodies:  make(map[string]string),
		updated: make(map[string]time.Time),
	}
}

func scriptKey(scope, ownerID, name string) string {
	return scope + "/" + ownerID + "/" + name
}

func (s *stubScriptStore) GetScript(ctx context.Context, scope, ownerID, name string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scriptKey(scope, ownerID, name)
	body, ok := s.bodies[k]
	if !ok {
		return "", time.Time{}, coreerr.Newf(coreerr.NotFound, "stubScriptStore", "no script %s", k)
	}
	return body, s.updated[k], nil
}

func (s *stubScriptStore) PutScript(ctx context.Context, scope, ownerID, name, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	k := scriptKey(scope, ownerID, name)
	s.bodies[k] = body
	s.updated[k] = time.Unix(1700000000+s.seq, 0).UTC()
	return nil
}

func newTestLoader(t *testing.T, deps Deps) *moduleLoader {
	t.Helper()
	ml := newModuleLoader(slog.Default(), deps)
	t.Cleanup(ml.Close)
	return ml
}

func TestModuleLoader_EmbeddedPrefixResolvesOnlyEmbedded(t *testing.T) {
	ctx := context.Background()
	ml := newTestLoader(t, Deps{})

	src, fp, ok, err := ml.resolve(ctx, "sshwarma.commands", SessionInfo{})
	if err != nil || !ok {
		t.Fatalf("resolve sshwarma.commands: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(src, "dispatch_command") {
		t.Error("embedded commands module should export dispatch_command")
	}
	if fp != "embedded" {
		t.Errorf("fingerprint = %q, want embedded", fp)
	}

	_, _, ok, err = ml.resolve(ctx, "sshwarma.nope", SessionInfo{})
	if err != nil {
		t.Fatalf("resolve sshwarma.nope: %v", err)
	}
	if ok {
		t.Error("unknown embedded name should resolve to nothing")
	}
}

func TestModuleLoader_MissingRoomModuleIsSuccessWithNothing(t *testing.T) {
	ctx := context.Background()
	session := SessionInfo{RoomID: "r1"}

	// No script store wired at all.
	ml := newTestLoader(t, Deps{})
	if _, _, ok, err := ml.resolve(ctx, "room.theme", session); ok || err != nil {
		t.Fatalf("no store: ok=%v err=%v, want false/nil", ok, err)
	}

	// Store present but no room script either.
	store := newStubScriptStore()
	ml = newTestLoader(t, Deps{Scripts: store})
	if _, _, ok, err := ml.resolve(ctx, "room.theme", session); ok || err != nil {
		t.Fatalf("absent room script: ok=%v err=%v, want false/nil", ok, err)
	}

	if err := store.PutScript(ctx, "room", "r1", "theme", "return {}"); err != nil {
		t.Fatalf("PutScript: %v", err)
	}
	src, fp, ok, err := ml.resolve(ctx, "room.theme", session)
	if err != nil || !ok {
		t.Fatalf("present room script: ok=%v err=%v", ok, err)
	}
	if src != "return {}" {
		t.Errorf("src = %q", src)
	}
	if fp == "" || fp == "embedded" {
		t.Errorf("room fingerprint = %q, want an UpdatedAt-derived one", fp)
	}
}

func TestModuleLoader_PlainNamePrecedence(t *testing.T) {
	ctx := context.Background()
	store := newStubScriptStore()
	fsRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(fsRoot, "ondisk.lua"), []byte("return { disk = true }"), 0o600); err != nil {
		t.Fatalf("write fs module: %v", err)
	}
	ml := newTestLoader(t, Deps{Scripts: store, ScriptFSRoot: fsRoot})

	// A user-stored module shadows the embedded one of the same name.
	if err := store.PutScript(ctx, "user", "u1", "commands", "return { mine = true }"); err != nil {
		t.Fatalf("PutScript: %v", err)
	}
	src, fp, ok, err := ml.resolve(ctx, "commands", SessionInfo{UserID: "u1"})
	if err != nil || !ok {
		t.Fatalf("user-shadowed commands: ok=%v err=%v", ok, err)
	}
	if src != "return { mine = true }" {
		t.Errorf("src = %q, want the user script", src)
	}
	if !strings.HasPrefix(fp, "user:") {
		t.Errorf("fingerprint = %q, want user: prefix", fp)
	}

	// A user without an override falls through to the embedded default.
	_, fp, ok, err = ml.resolve(ctx, "commands", SessionInfo{UserID: "u2"})
	if err != nil || !ok {
		t.Fatalf("embedded fallback: ok=%v err=%v", ok, err)
	}
	if fp != "embedded" {
		t.Errorf("fingerprint = %q, want embedded", fp)
	}

	// A name that is neither stored nor embedded falls to the filesystem.
	src, fp, ok, err = ml.resolve(ctx, "ondisk", SessionInfo{UserID: "u2"})
	if err != nil || !ok {
		t.Fatalf("filesystem fallback: ok=%v err=%v", ok, err)
	}
	if src != "return { disk = true }" {
		t.Errorf("src = %q, want the on-disk script", src)
	}
	if !strings.HasPrefix(fp, "fs:") {
		t.Errorf("fingerprint = %q, want fs: prefix", fp)
	}

	// Nothing anywhere: success-with-nothing, not an error.
	if _, _, ok, err := ml.resolve(ctx, "ghost", SessionInfo{UserID: "u2"}); ok || err != nil {
		t.Fatalf("unknown plain name: ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestModuleLoader_FilesystemFingerprintTracksMtime(t *testing.T) {
	ctx := context.Background()
	fsRoot := t.TempDir()
	path := filepath.Join(fsRoot, "mod.lua")
	if err := os.WriteFile(path, []byte("return 1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ml := newTestLoader(t, Deps{ScriptFSRoot: fsRoot})

	_, fp1, ok, err := ml.resolve(ctx, "mod", SessionInfo{})
	if err != nil || !ok {
		t.Fatalf("first resolve: ok=%v err=%v", ok, err)
	}

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	_, fp2, ok, err := ml.resolve(ctx, "mod", SessionInfo{})
	if err != nil || !ok {
		t.Fatalf("second resolve: ok=%v err=%v", ok, err)
	}
	if fp1 == fp2 {
		t.Errorf("fingerprint unchanged across mtime bump: %q", fp1)
	}
}

func TestModuleLoader_CacheKeyedByFingerprint(t *testing.T) {
	ml := newTestLoader(t, Deps{})
	ml.cachePut("m", "a", 42)

	if got, hit := ml.cacheGet("m", "a"); !hit || got != 42 {
		t.Fatalf("cacheGet same fingerprint: got=%v hit=%v", got, hit)
	}
	if _, hit := ml.cacheGet("m", "b"); hit {
		t.Error("cacheGet with a different fingerprint should miss")
	}

	ml.invalidate("m")
	if _, hit := ml.cacheGet("m", "a"); hit {
		t.Error("invalidate should drop the entry regardless of fingerprint")
	}
}
