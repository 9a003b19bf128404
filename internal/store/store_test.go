package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "coscribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc-1", "hello", "session-a"))

	doc, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "hello", doc.Content)
	assert.Equal(t, "session-a", doc.Origin)
	assert.Equal(t, int64(1), doc.Revision)
	assert.False(t, doc.SavedAt.IsZero())
}

func TestStore_Load_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_SaveBumpsRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc-1", "v1", "session-a"))
	require.NoError(t, s.Save(ctx, "doc-1", "v2", "session-b"))
	require.NoError(t, s.Save(ctx, "doc-1", "v3", "session-a"))

	doc, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Revision)
	assert.Equal(t, "v3", doc.Content)
	assert.Equal(t, "session-a", doc.Origin)
}

func TestStore_RevisionsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"a", "ab", "abc"} {
		require.NoError(t, s.Save(ctx, "doc-1", content, "session-a"))
	}

	revs, err := s.Revisions(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, revs, 3)
	for i, want := range []string{"a", "ab", "abc"} {
		assert.Equal(t, int64(i+1), revs[i].Revision)
		assert.Equal(t, want, revs[i].Content)
	}
}

func TestStore_Revisions_UnknownDocumentIsEmpty(t *testing.T) {
	s := openTestStore(t)

	revs, err := s.Revisions(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, revs)
	assert.Empty(t, revs)
}

func TestStore_RetriedSaveIsHarmless(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A retry after an ambiguous failure carries identical content.
	require.NoError(t, s.Save(ctx, "doc-1", "same", "session-a"))
	require.NoError(t, s.Save(ctx, "doc-1", "same", "session-a"))

	doc, err := s.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "same", doc.Content)
	assert.Equal(t, int64(2), doc.Revision)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc-1", "content", "session-a"))
	require.NoError(t, s.Delete(ctx, "doc-1"))

	_, err := s.Load(ctx, "doc-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	revs, err := s.Revisions(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, revs)
}

func TestStore_LoadOrInit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	content, err := s.LoadOrInit(ctx, "fresh", "starter")
	require.NoError(t, err)
	assert.Equal(t, "starter", content)

	require.NoError(t, s.Save(ctx, "fresh", "persisted", "session-a"))

	content, err = s.LoadOrInit(ctx, "fresh", "starter")
	require.NoError(t, err)
	assert.Equal(t, "persisted", content)
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coscribe.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "doc-1", "survives", "session-a"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.Load(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "survives", doc.Content)
}
