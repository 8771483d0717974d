package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codeforge-ai/backend/internal/crypto"
)

// Store is the durable store gateway. All reads and writes for chats,
// messages, scheduled tasks, executions, and user settings go through it;
// encryption of sensitive columns is handled here so callers only ever see
// plaintext.
type Store struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// NewStore creates a Store over an open database handle.
func NewStore(db *sql.DB, enc *crypto.Encryptor) *Store {
	return &Store{db: db, enc: enc}
}

// withTx runs fn inside a short transaction, committing on success and
// rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
