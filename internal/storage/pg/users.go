package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetUserByID loads a user by ID.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, created_at, updated_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Username, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, email, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, username)
		VALUES ($1, $2)
		RETURNING id, email, username, created_at, updated_at`, email, username).
		Scan(&u.ID, &u.Email, &u.Username, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}

// GetUserSettings loads a user's settings with sensitive columns decrypted.
// Returns sql.ErrNoRows wrapped if the user has no settings row.
func (s *Store) GetUserSettings(ctx context.Context, userID uuid.UUID) (*UserSettings, error) {
	var st UserSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, custom_providers, sandbox_provider, auto_generate_titles, created_at, updated_at
		FROM user_settings WHERE user_id = $1`, userID).
		Scan(&st.ID, &st.UserID, &st.CustomProviders, &st.SandboxProvider, &st.AutoGenerateTitles, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	st.CustomProviders = s.enc.Decrypt(st.CustomProviders)
	return &st, nil
}

// UpsertUserSettings writes a user's settings, encrypting the provider
// catalog before it touches disk.
func (s *Store) UpsertUserSettings(ctx context.Context, settings *UserSettings) error {
	sealed, err := s.enc.Encrypt(settings.CustomProviders)
	if err != nil {
		return fmt.Errorf("failed to encrypt custom providers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, custom_providers, sandbox_provider, auto_generate_titles)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			custom_providers = EXCLUDED.custom_providers,
			sandbox_provider = EXCLUDED.sandbox_provider,
			auto_generate_titles = EXCLUDED.auto_generate_titles,
			updated_at = now()`,
		settings.UserID, sealed, settings.SandboxProvider, settings.AutoGenerateTitles)
	if err != nil {
		return fmt.Errorf("failed to upsert user settings: %w", err)
	}
	return nil
}

// CreateRefreshToken stores a hashed refresh token.
func (s *Store) CreateRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (*RefreshToken, error) {
	var rt RefreshToken
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, token_hash, expires_at, created_at`, userID, tokenHash, expiresAt).
		Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}
	return &rt, nil
}

// DeleteExpiredRefreshTokens removes refresh tokens past their expiry and
// returns how many rows were deleted.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return deleted, nil
}
