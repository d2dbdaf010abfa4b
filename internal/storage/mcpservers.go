package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/glyphoxa/internal/domain"
)

// MCPServerStore is the repository for domain.MCPServer rows.
type MCPServerStore struct {
	db DB
}

// Create inserts a new MCP server config, generating an ID if unset.
func (s *MCPServerStore) Create(ctx context.Context, m *domain.MCPServer) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	argsJSON, err := json.Marshal(emptySlice(m.Args))
	if err != nil {
		return fmt.Errorf("storage: marshal mcp args: %w", err)
	}
	envJSON, err := json.Marshal(emptyMap(m.Env))
	if err != nil {
		return fmt.Errorf("storage: marshal mcp env: %w", err)
	}
	const q = `
		INSERT INTO mcp_servers (id, user_id, name, transport, url, command, args, env, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = s.db.Exec(ctx, q, m.ID, m.UserID, m.Name, string(m.Transport), m.URL, m.Command, argsJSON, envJSON, m.Enabled)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("storage: mcp server %q: %w", m.Name, domain.ErrConflict)
		}
		return fmt.Errorf("storage: create mcp server: %w", err)
	}
	return nil
}

// ListEnabled returns every enabled MCP server config for a user.
func (s *MCPServerStore) ListEnabled(ctx context.Context, userID string) ([]domain.MCPServer, error) {
	const q = `
		SELECT id, user_id, name, transport, url, command, args, env, enabled
		FROM mcp_servers WHERE user_id = $1 AND enabled ORDER BY name`
	rows, err := s.db.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list mcp servers: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MCPServer, error) {
		var m domain.MCPServer
		var transport string
		var argsJSON, envJSON []byte
		if err := row.Scan(&m.ID, &m.UserID, &m.Name, &transport, &m.URL, &m.Command, &argsJSON, &envJSON, &m.Enabled); err != nil {
			return domain.MCPServer{}, err
		}
		m.Transport = domain.MCPTransport(transport)
		if err := json.Unmarshal(argsJSON, &m.Args); err != nil {
			return domain.MCPServer{}, fmt.Errorf("storage: unmarshal mcp args: %w", err)
		}
		if err := json.Unmarshal(envJSON, &m.Env); err != nil {
			return domain.MCPServer{}, fmt.Errorf("storage: unmarshal mcp env: %w", err)
		}
		return m, nil
	})
}

// Delete removes an MCP server config by ID.
func (s *MCPServerStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mcp_servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete mcp server: %w", err)
	}
	return nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
