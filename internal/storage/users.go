package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/glyphoxa/internal/domain"
)

// UserStore is the repository for domain.User rows.
type UserStore struct {
	db DB
}

// Create inserts a new user and assigns it a generated ID.
func (s *UserStore) Create(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO users (id, name, password_hash, system_prompt, preferred_name, default_model_url, summary_model, is_administrator)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`
	err := s.db.QueryRow(ctx, q,
		u.ID, u.Name, u.PasswordHash, u.SystemPrompt, u.PreferredName,
		u.DefaultModelURL, u.SummaryModel, u.IsAdministrator,
	).Scan(&u.Created)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("storage: user %q: %w", u.Name, domain.ErrConflict)
		}
		return fmt.Errorf("storage: create user: %w", err)
	}
	return nil
}

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (*domain.User, error) {
	const q = `
		SELECT id, name, password_hash, system_prompt, preferred_name, default_model_url, summary_model, is_administrator, created_at
		FROM users WHERE id = $1`
	return s.scanOne(s.db.QueryRow(ctx, q, id))
}

// GetByName retrieves a user by its unique name.
func (s *UserStore) GetByName(ctx context.Context, name string) (*domain.User, error) {
	const q = `
		SELECT id, name, password_hash, system_prompt, preferred_name, default_model_url, summary_model, is_administrator, created_at
		FROM users WHERE name = $1`
	return s.scanOne(s.db.QueryRow(ctx, q, name))
}

func (s *UserStore) scanOne(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.SystemPrompt, &u.PreferredName,
		&u.DefaultModelURL, &u.SummaryModel, &u.IsAdministrator, &u.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan user: %w", err)
	}
	return &u, nil
}

// Update persists changes to the mutable fields of an existing user.
func (s *UserStore) Update(ctx context.Context, u *domain.User) error {
	const q = `
		UPDATE users SET system_prompt=$2, preferred_name=$3, default_model_url=$4, summary_model=$5
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, q, u.ID, u.SystemPrompt, u.PreferredName, u.DefaultModelURL, u.SummaryModel)
	if err != nil {
		return fmt.Errorf("storage: update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AnyExists reports whether at least one user row exists, used at bootstrap
// to decide whether to seed the administrator.
func (s *UserStore) AnyExists(ctx context.Context) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM users)`
	var exists bool
	if err := s.db.QueryRow(ctx, q).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check users exist: %w", err)
	}
	return exists, nil
}
