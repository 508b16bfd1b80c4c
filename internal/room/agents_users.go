package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// AgentCreate registers an LLM participant, configured at startup.
func (s *Store) AgentCreate(ctx context.Context, a *models.Agent) error {
	config, err := json.Marshal(a.Config)
	if err != nil {
		return coreerr.New(coreerr.Internal, "room.AgentCreate", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, backend, context_window, config) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET backend = excluded.backend, context_window = excluded.context_window, config = excluded.config`,
		a.ID, a.Name, a.Backend, a.ContextWindow, string(config),
	)
	if err != nil {
		return coreerr.New(coreerr.Storage, "room.AgentCreate", err)
	}
	return nil
}

// AgentByName resolves an agent's handle by the name a mention uses.
func (s *Store) AgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, backend, context_window, config FROM agents WHERE name = ?`, name)
	var a models.Agent
	var config string
	err := row.Scan(&a.ID, &a.Name, &a.Backend, &a.ContextWindow, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.Newf(coreerr.NotFound, "room.AgentByName", "model not found: %s", name)
	}
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.AgentByName", err)
	}
	if config != "" {
		_ = json.Unmarshal([]byte(config), &a.Config)
	}
	return &a, nil
}

// Agents lists every configured agent.
func (s *Store) Agents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, backend, context_window, config FROM agents ORDER BY name`)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.Agents", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		var a models.Agent
		var config string
		if err := rows.Scan(&a.ID, &a.Name, &a.Backend, &a.ContextWindow, &config); err != nil {
			return nil, coreerr.New(coreerr.Storage, "room.Agents", err)
		}
		if config != "" {
			_ = json.Unmarshal([]byte(config), &a.Config)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UserByName resolves (or lazily creates) a user identity by name. User
// authentication itself is out of scope; the core only
// needs a stable id for a name once the transport has authenticated it.
func (s *Store) UserByName(ctx context.Context, name string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name FROM users WHERE name = ?`, name)
	var u models.User
	err := row.Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.Newf(coreerr.NotFound, "room.UserByName", "user not found: %s", name)
	}
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.UserByName", err)
	}
	return &u, nil
}

// EnsureUser returns the user named name, creating it if absent.
func (s *Store) EnsureUser(ctx context.Context, id, name string) (*models.User, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, name) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`, id, name)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "room.EnsureUser", err)
	}
	return s.UserByName(ctx, name)
}
