package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/glyphoxa/internal/domain"
)

// AgentStore is the repository for domain.Agent rows.
type AgentStore struct {
	db DB
}

func marshalExcluded(m map[string]bool) ([]byte, error) {
	names := make([]string, 0, len(m))
	for name, excluded := range m {
		if excluded {
			names = append(names, name)
		}
	}
	return json.Marshal(names)
}

func unmarshalExcluded(data []byte) (map[string]bool, error) {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m, nil
}

// Create inserts a new agent, generating an ID if one is not already set.
func (s *AgentStore) Create(ctx context.Context, a *domain.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	excl, err := marshalExcluded(a.ExcludedTools)
	if err != nil {
		return fmt.Errorf("storage: marshal excluded_tools: %w", err)
	}
	const q = `
		INSERT INTO agents (id, user_id, name, system_prompt, model_name, voice_reference, avatar,
		                     excluded_tools, think_mode, memory, trigger_word, is_admin)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`
	err = s.db.QueryRow(ctx, q,
		a.ID, a.UserID, a.Name, a.SystemPrompt, a.ModelName, a.VoiceReference, a.Avatar,
		excl, a.ThinkMode, a.Memory, a.TriggerWord, a.IsAdmin,
	).Scan(&a.Created, &a.Updated)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("storage: agent %q: %w", a.Name, domain.ErrConflict)
		}
		return fmt.Errorf("storage: create agent: %w", err)
	}
	return nil
}

func (s *AgentStore) scanOne(row pgx.Row) (*domain.Agent, error) {
	var a domain.Agent
	var excl []byte
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.SystemPrompt, &a.ModelName, &a.VoiceReference, &a.Avatar,
		&excl, &a.ThinkMode, &a.Memory, &a.TriggerWord, &a.IsAdmin, &a.Created, &a.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan agent: %w", err)
	}
	if a.ExcludedTools, err = unmarshalExcluded(excl); err != nil {
		return nil, fmt.Errorf("storage: unmarshal excluded_tools: %w", err)
	}
	return &a, nil
}

const agentColumns = `id, user_id, name, system_prompt, model_name, voice_reference, avatar,
	excluded_tools, think_mode, memory, trigger_word, is_admin, created_at, updated_at`

// Get retrieves an agent by ID.
func (s *AgentStore) Get(ctx context.Context, id string) (*domain.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return s.scanOne(s.db.QueryRow(ctx, q, id))
}

// GetAdministrator retrieves the reserved Administrator agent for a user.
func (s *AgentStore) GetAdministrator(ctx context.Context, userID string) (*domain.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE user_id = $1 AND is_admin LIMIT 1`
	return s.scanOne(s.db.QueryRow(ctx, q, userID))
}

// List returns every agent owned by userID, ordered by name.
func (s *AgentStore) List(ctx context.Context, userID string) ([]domain.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE user_id = $1 ORDER BY name`
	rows, err := s.db.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Update persists mutable fields of an existing agent. The reserved
// Administrator agent's name and excluded-tool set may not be altered via
// this path — callers must enforce that invariant before calling Update.
func (s *AgentStore) Update(ctx context.Context, a *domain.Agent) error {
	excl, err := marshalExcluded(a.ExcludedTools)
	if err != nil {
		return fmt.Errorf("storage: marshal excluded_tools: %w", err)
	}
	const q = `
		UPDATE agents SET system_prompt=$2, model_name=$3, voice_reference=$4, avatar=$5,
		                   excluded_tools=$6, think_mode=$7, memory=$8, trigger_word=$9, updated_at=now()
		WHERE id = $1
		RETURNING updated_at`
	err = s.db.QueryRow(ctx, q, a.ID, a.SystemPrompt, a.ModelName, a.VoiceReference, a.Avatar,
		excl, a.ThinkMode, a.Memory, a.TriggerWord).Scan(&a.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("storage: update agent: %w", err)
	}
	return nil
}

// Delete removes an agent. Callers must prevent deletion of the reserved
// Administrator agent before calling this.
func (s *AgentStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	return nil
}
