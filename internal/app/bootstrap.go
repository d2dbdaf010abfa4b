package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa/internal/auth"
	"github.com/MrWong99/glyphoxa/internal/domain"
	"github.com/MrWong99/glyphoxa/internal/storage"
)

// defaultAdministratorModel is the model name assigned to the seeded
// Administrator agent when no provider-specific default is configured.
const defaultAdministratorModel = "gpt-4o"

// Bootstrap seeds the reserved Administrator user and agent when the users
// table is empty, so a fresh deployment has something to log in as. It is a
// no-op on every subsequent start.
func Bootstrap(ctx context.Context, gw *storage.Gateway) error {
	any, err := gw.Users.AnyExists(ctx)
	if err != nil {
		return fmt.Errorf("app: bootstrap: check existing users: %w", err)
	}
	if any {
		return nil
	}

	hash, err := auth.HashPassword(uuid.NewString())
	if err != nil {
		return fmt.Errorf("app: bootstrap: hash administrator password: %w", err)
	}

	user := &domain.User{
		ID:              uuid.NewString(),
		Name:            "administrator",
		PasswordHash:    hash,
		SystemPrompt:    "You are the Administrator, the owner's primary assistant.",
		PreferredName:   "there",
		IsAdministrator: true,
	}
	if err := gw.Users.Create(ctx, user); err != nil {
		return fmt.Errorf("app: bootstrap: create administrator user: %w", err)
	}

	admin := &domain.Agent{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		Name:          "Administrator",
		SystemPrompt:  "You route each incoming message to the best-suited agent, or answer directly via route_to_user.",
		ModelName:     defaultAdministratorModel,
		ExcludedTools: map[string]bool{},
		IsAdmin:       true,
	}
	if err := gw.Agents.Create(ctx, admin); err != nil {
		return fmt.Errorf("app: bootstrap: create administrator agent: %w", err)
	}

	return nil
}
