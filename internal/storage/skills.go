package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/glyphoxa/internal/domain"
)

// SkillStore is the repository for domain.Skill rows.
type SkillStore struct {
	db DB
}

// Create inserts a new skill, generating an ID if unset.
func (s *SkillStore) Create(ctx context.Context, sk *domain.Skill) error {
	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	const q = `INSERT INTO skills (id, user_id, name, instructions) VALUES ($1,$2,$3,$4)`
	_, err := s.db.Exec(ctx, q, sk.ID, sk.UserID, sk.Name, sk.Instructions)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("storage: skill %q: %w", sk.Name, domain.ErrConflict)
		}
		return fmt.Errorf("storage: create skill: %w", err)
	}
	return nil
}

// ListNames returns the names only of a user's skills, for system-prompt injection.
func (s *SkillStore) ListNames(ctx context.Context, userID string) ([]string, error) {
	const q = `SELECT name FROM skills WHERE user_id = $1 ORDER BY name`
	rows, err := s.db.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list skill names: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// GetByName fetches a skill's full instructions body by name, for the
// get_skill_instructions built-in tool.
func (s *SkillStore) GetByName(ctx context.Context, userID, name string) (*domain.Skill, error) {
	const q = `SELECT id, user_id, name, instructions FROM skills WHERE user_id = $1 AND name = $2`
	var sk domain.Skill
	err := s.db.QueryRow(ctx, q, userID, name).Scan(&sk.ID, &sk.UserID, &sk.Name, &sk.Instructions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get skill: %w", err)
	}
	return &sk, nil
}

// Delete removes a skill by ID.
func (s *SkillStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM skills WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete skill: %w", err)
	}
	return nil
}
