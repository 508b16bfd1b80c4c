package scripthost

import (
	"context"
	"embed"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tobert/sshwarma/pkg/coreerr"
)

//go:embed embedded/*.lua
var embeddedScripts embed.FS

const embeddedPrefix = "sshwarma."

// moduleLoader resolves a require()'d module name to Lua source with
// this precedence: (1) embeddedPrefix-qualified names resolve
// only to the binary-embedded set; (2) "room."-prefixed names resolve to
// the caller's current room's stored script, succeeding with no module
// if absent; (3) plain names resolve to the caller's per-user stored
// script, then the embedded default, then a filesystem directory beneath
// the user's configuration path.
//
// Results are cached by name keyed to a fingerprint (a stored script's
// UpdatedAt, or a file's mtime) so an unmodified module is never
// recompiled; a fingerprint mismatch invalidates it (hot reload).
type moduleLoader struct {
	logger *slog.Logger
	deps   Deps

	mu    sync.Mutex
	cache map[string]cachedEntry

	watchOnce sync.Once
	watcher   *fsnotify.Watcher
	watchedMu sync.Mutex
	invalid   map[string]bool // name -> force miss once; the fsnotify watcher does not write it
}

type cachedEntry struct {
	ret         any // lua.LValue, stored as `any` to keep this file lua-import-free
	fingerprint string
}

func newModuleLoader(logger *slog.Logger, deps Deps) *moduleLoader {
	ml := &moduleLoader{
		logger: logger.With("component", "scripthost_modules"),
		deps:   deps,
		cache:  make(map[string]cachedEntry),
	}
	ml.startWatch()
	return ml
}

// resolve returns the Lua source for name and a fingerprint identifying
// this exact version, or ok=false when the name legitimately has no
// module (the "room." absent case is success-with-nothing, not an
// error).
func (ml *moduleLoader) resolve(ctx context.Context, name string, session SessionInfo) (src, fingerprint string, ok bool, err error) {
	switch {
	case strings.HasPrefix(name, embeddedPrefix):
		return ml.resolveEmbedded(strings.TrimPrefix(name, embeddedPrefix))

	case strings.HasPrefix(name, "room."):
		roomName := strings.TrimPrefix(name, "room.")
		if ml.deps.Scripts == nil || session.RoomID == "" {
			return "", "", false, nil
		}
		body, updatedAt, err := ml.deps.Scripts.GetScript(ctx, "room", session.RoomID, roomName)
		if err != nil {
			if coreerr.KindOf(err) == coreerr.NotFound {
				return "", "", false, nil
			}
			return "", "", false, err
		}
		return body, updatedAt.Format(time.RFC3339Nano), true, nil

	default:
		if ml.deps.Scripts != nil && session.UserID != "" {
			body, updatedAt, err := ml.deps.Scripts.GetScript(ctx, "user", session.UserID, name)
			if err == nil {
				return body, "user:" + updatedAt.Format(time.RFC3339Nano), true, nil
			}
			if coreerr.KindOf(err) != coreerr.NotFound {
				return "", "", false, err
			}
		}
		if src, fp, ok, _ := ml.resolveEmbedded(name); ok {
			return src, fp, true, nil
		}
		return ml.resolveFilesystem(name)
	}
}

func (ml *moduleLoader) resolveEmbedded(name string) (src, fingerprint string, ok bool, err error) {
	raw, err := embeddedScripts.ReadFile("embedded/" + name + ".lua")
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", false, nil
		}
		return "", "", false, coreerr.New(coreerr.Internal, "scripthost.resolveEmbedded", err)
	}
	return string(raw), "embedded", true, nil
}

func (ml *moduleLoader) resolveFilesystem(name string) (src, fingerprint string, ok bool, err error) {
	if ml.deps.ScriptFSRoot == "" {
		return "", "", false, nil
	}
	path := filepath.Join(ml.deps.ScriptFSRoot, filepath.FromSlash(name)+".lua")
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return "", "", false, nil
		}
		return "", "", false, coreerr.New(coreerr.Internal, "scripthost.resolveFilesystem", statErr)
	}
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return "", "", false, coreerr.New(coreerr.Internal, "scripthost.resolveFilesystem", readErr)
	}
	ml.watchDir(ml.deps.ScriptFSRoot)
	return string(raw), "fs:" + info.ModTime().Format(time.RFC3339Nano), true, nil
}

func (ml *moduleLoader) cacheGet(name, fingerprint string) (any, bool) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	entry, found := ml.cache[name]
	if !found || entry.fingerprint != fingerprint {
		return nil, false
	}
	return entry.ret, true
}

// invalidate unconditionally drops a cached module regardless of its
// fingerprint, backing the /reload command's explicit cache bust.
func (ml *moduleLoader) invalidate(name string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.cache, name)
}

func (ml *moduleLoader) cachePut(name, fingerprint string, ret any) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.cache[name] = cachedEntry{ret: ret, fingerprint: fingerprint}
}

// startWatch lazily creates an fsnotify watcher over ScriptFSRoot. A write
// or remove event there doesn't need to invalidate anything explicitly:
// resolveFilesystem's mtime-derived fingerprint already busts the cache on
// its own. The watcher's event loop only logs; newly created
// subdirectories are added by the watchDir call each resolveFilesystem
// makes.
func (ml *moduleLoader) startWatch() {
	if ml.deps.ScriptFSRoot == "" {
		return
	}
	ml.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			ml.logger.Warn("scripthost fs watcher unavailable", "error", err)
			return
		}
		ml.watcher = w
		ml.watchedMu.Lock()
		ml.invalid = make(map[string]bool)
		ml.watchedMu.Unlock()
		go ml.watchLoop()
		ml.watchDir(ml.deps.ScriptFSRoot)
	})
}

func (ml *moduleLoader) watchDir(dir string) {
	if ml.watcher == nil {
		return
	}
	ml.watchedMu.Lock()
	defer ml.watchedMu.Unlock()
	_ = ml.watcher.Add(dir)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d == nil || !d.IsDir() {
			return nil
		}
		return ml.watcher.Add(path)
	})
}

func (ml *moduleLoader) watchLoop() {
	for {
		select {
		case event, ok := <-ml.watcher.Events:
			if !ok {
				return
			}
			ml.logger.Debug("script file changed", "path", event.Name, "op", event.Op.String())
		case err, ok := <-ml.watcher.Errors:
			if !ok {
				return
			}
			ml.logger.Warn("scripthost fs watch error", "error", err)
		}
	}
}

// Close releases the filesystem watcher, if one was started.
func (ml *moduleLoader) Close() {
	if ml.watcher != nil {
		_ = ml.watcher.Close()
	}
}
