package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Save persists the document's content, bumping its revision and
// appending to the save history in a single transaction.
//
// Implements the engine's Saver interface. Retrying a save after an
// ambiguous failure is safe: the worst case is a duplicate revision row
// with identical content.
func (s *Store) Save(ctx context.Context, docID, content, origin string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save document %s: %w", docID, err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT revision FROM documents WHERE id = ?`, docID,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("save document %s: read revision: %w", docID, err)
	}
	next := current.Int64 + 1

	savedAt := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, content, origin, revision, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content  = excluded.content,
			origin   = excluded.origin,
			revision = excluded.revision,
			saved_at = excluded.saved_at
	`, docID, content, origin, next, savedAt)
	if err != nil {
		return fmt.Errorf("save document %s: upsert: %w", docID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions (doc_id, revision, content, origin, saved_at)
		VALUES (?, ?, ?, ?, ?)
	`, docID, next, content, origin, savedAt)
	if err != nil {
		return fmt.Errorf("save document %s: append revision: %w", docID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save document %s: commit: %w", docID, err)
	}

	return nil
}

// Delete removes a document and its revision history.
func (s *Store) Delete(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("delete document %s: revisions: %w", docID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete document %s: commit: %w", docID, err)
	}
	return nil
}
