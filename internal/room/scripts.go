package room

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tobert/sshwarma/pkg/coreerr"
)

// ScriptScope is the closed set of script storage scopes.
type ScriptScope string

const (
	ScopeUser             ScriptScope = "user"
	ScopeRoom             ScriptScope = "room"
	ScopeEmbeddedOverride ScriptScope = "embedded-override"
)

// Script is one stored script body, addressed by (scope, owner, name)
// by the script host's module resolution.
type Script struct {
	ID        string
	Scope     ScriptScope
	OwnerID   string
	Name      string
	Body      string
	UpdatedAt time.Time
}

// PutScript creates or overwrites a stored script body.
func (s *Store) PutScript(ctx context.Context, scope ScriptScope, ownerID, name, body string) (*Script, error) {
	now := time.Now().UTC()
	sc := &Script{ID: uuid.NewString(), Scope: scope, OwnerID: ownerID, Name: name, Body: body, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, scope, owner_id, name, body, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, owner_id, name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		sc.ID, string(scope), ownerID, name, body, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.PutScript", err)
	}
	return sc, nil
}

// GetScript fetches a stored script body. Returns NotFound when absent;
// the Script Host treats a missing room-scoped module as an empty result,
// not a failure.
func (s *Store) GetScript(ctx context.Context, scope ScriptScope, ownerID, name string) (*Script, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, owner_id, name, body, updated_at FROM scripts
		WHERE scope = ? AND owner_id = ? AND name = ?`, string(scope), ownerID, name)
	var sc Script
	var scopeStr, updatedAt string
	err := row.Scan(&sc.ID, &scopeStr, &sc.OwnerID, &sc.Name, &sc.Body, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.Newf(coreerr.NotFound, "room.GetScript", "script %s/%s/%s not found", scope, ownerID, name)
	}
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.GetScript", err)
	}
	sc.Scope = ScriptScope(scopeStr)
	sc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sc, nil
}

// DeleteScript removes a stored script body.
func (s *Store) DeleteScript(ctx context.Context, scope ScriptScope, ownerID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE scope = ? AND owner_id = ? AND name = ?`, string(scope), ownerID, name)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.DeleteScript", err)
	}
	return nil
}

// ScriptStoreAdapter narrows *Store to internal/scripthost.ScriptStore's
// bare-string scope parameter, since ScriptScope's distinct type would
// otherwise keep *Store from satisfying that interface directly.
type ScriptStoreAdapter struct {
	*Store
}

func (a ScriptStoreAdapter) GetScript(ctx context.Context, scope, ownerID, name string) (string, time.Time, error) {
	sc, err := a.Store.GetScript(ctx, ScriptScope(scope), ownerID, name)
	if err != nil {
		return "", time.Time{}, err
	}
	return sc.Body, sc.UpdatedAt, nil
}

func (a ScriptStoreAdapter) PutScript(ctx context.Context, scope, ownerID, name, body string) error {
	_, err := a.Store.PutScript(ctx, ScriptScope(scope), ownerID, name, body)
	return err
}
