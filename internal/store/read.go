package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a document id has never been saved.
var ErrNotFound = errors.New("store: document not found")

// Document is the latest persisted state of a document.
type Document struct {
	ID       string
	Content  string
	Origin   string
	Revision int64
	SavedAt  time.Time
}

// Revision is one entry in a document's save history.
type Revision struct {
	DocID    string
	Revision int64
	Content  string
	Origin   string
	SavedAt  time.Time
}

// Load returns the latest persisted state of a document.
// Returns ErrNotFound if the document has never been saved.
func (s *Store) Load(ctx context.Context, docID string) (Document, error) {
	var doc Document
	var savedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, origin, revision, saved_at
		FROM documents
		WHERE id = ?
	`, docID).Scan(&doc.ID, &doc.Content, &doc.Origin, &doc.Revision, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("load document %s: %w", docID, err)
	}

	doc.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return Document{}, fmt.Errorf("load document %s: parse saved_at: %w", docID, err)
	}
	return doc, nil
}

// Revisions returns the full save history of a document, oldest first.
// Returns an empty slice (not nil) for an unknown document.
func (s *Store) Revisions(ctx context.Context, docID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, revision, content, origin, saved_at
		FROM revisions
		WHERE doc_id = ?
		ORDER BY revision ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("revisions for %s: %w", docID, err)
	}
	defer rows.Close()

	revisions := []Revision{}
	for rows.Next() {
		var rev Revision
		var savedAt string
		if err := rows.Scan(&rev.DocID, &rev.Revision, &rev.Content, &rev.Origin, &savedAt); err != nil {
			return nil, fmt.Errorf("revisions for %s: scan: %w", docID, err)
		}
		rev.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt)
		if err != nil {
			return nil, fmt.Errorf("revisions for %s: parse saved_at: %w", docID, err)
		}
		revisions = append(revisions, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("revisions for %s: %w", docID, err)
	}

	return revisions, nil
}

// LoadOrInit returns the latest persisted content, or the provided
// default when the document has never been saved. Convenience for
// session startup.
func (s *Store) LoadOrInit(ctx context.Context, docID, initial string) (string, error) {
	doc, err := s.Load(ctx, docID)
	if errors.Is(err, ErrNotFound) {
		return initial, nil
	}
	if err != nil {
		return "", err
	}
	return doc.Content, nil
}
