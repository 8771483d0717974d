// Package users manages accounts and their settings. New accounts are seeded
// with the built-in provider catalog so the settings UI always has a catalog
// to enable providers in.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/provider"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// userStore is the slice of the durable store the service uses.
type userStore interface {
	CreateUser(ctx context.Context, email, username string) (*pg.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*pg.User, error)
	GetUserSettings(ctx context.Context, userID uuid.UUID) (*pg.UserSettings, error)
	UpsertUserSettings(ctx context.Context, settings *pg.UserSettings) error
}

// Service owns account and settings operations.
type Service struct {
	store  userStore
	logger *logger.Logger
}

// NewService creates a users service.
func NewService(store userStore, lg *logger.Logger) *Service {
	return &Service{store: store, logger: lg.WithComponent("users")}
}

// Register creates an account and seeds its settings with the default
// provider catalog.
func (s *Service) Register(ctx context.Context, email, username string) (*pg.User, error) {
	user, err := s.store.CreateUser(ctx, email, username)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if _, err := s.seedSettings(ctx, user.ID); err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).Info("user registered", "user_id", user.ID)
	return user, nil
}

// GetSettings returns the user's settings, seeding defaults for accounts that
// predate the settings table.
func (s *Service) GetSettings(ctx context.Context, userID uuid.UUID) (*pg.UserSettings, error) {
	settings, err := s.store.GetUserSettings(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.seedSettings(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings writes the user's settings.
func (s *Service) UpdateSettings(ctx context.Context, settings *pg.UserSettings) error {
	if err := s.store.UpsertUserSettings(ctx, settings); err != nil {
		return fmt.Errorf("failed to update user settings: %w", err)
	}
	return nil
}

func (s *Service) seedSettings(ctx context.Context, userID uuid.UUID) (*pg.UserSettings, error) {
	catalog, err := provider.DefaultCatalogJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to build default catalog: %w", err)
	}
	settings := &pg.UserSettings{
		UserID:             userID,
		CustomProviders:    catalog,
		AutoGenerateTitles: true,
	}
	if err := s.store.UpsertUserSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to seed user settings: %w", err)
	}
	return settings, nil
}
