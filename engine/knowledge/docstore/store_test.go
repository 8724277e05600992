package docstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectordb"
)

func testDocument(tenant, id string, created time.Time) *knowledge.Document {
	return &knowledge.Document{
		ID:          id,
		Tenant:      tenant,
		Title:       "Title " + id,
		MIMEType:    "text/plain",
		Length:      42,
		ContentHash: "hash-" + id,
		Status:      knowledge.StatusPending,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	_, err := s.GetDocument(ctx, "alice", "d1")
	assert.ErrorIs(t, err, knowledge.ErrDocumentNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, "alice", "d1"), knowledge.ErrDocumentNotFound)

	d2 := testDocument("alice", "d2", base.Add(time.Minute))
	d1 := testDocument("alice", "d1", base)
	d1.SupersededChunks = []string{"old-0", "old-1"}
	require.NoError(t, s.PutDocument(ctx, d2))
	require.NoError(t, s.PutDocument(ctx, d1))
	require.NoError(t, s.PutDocument(ctx, testDocument("bob", "d1", base)))
	assert.Error(t, s.PutDocument(ctx, &knowledge.Document{ID: "x"}))

	got, err := s.GetDocument(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, "Title d1", got.Title)
	assert.Equal(t, []string{"old-0", "old-1"}, got.SupersededChunks)
	assert.True(t, base.Equal(got.CreatedAt))

	d1.Status = knowledge.StatusChunked
	d1.ChunkCount = 2
	d1.ModelVersion = 3
	d1.SupersededChunks = nil
	d1.LastError = "boom"
	require.NoError(t, s.PutDocument(ctx, d1))
	got, err = s.GetDocument(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, knowledge.StatusChunked, got.Status)
	assert.Equal(t, 2, got.ChunkCount)
	assert.Equal(t, int64(3), got.ModelVersion)
	assert.Empty(t, got.SupersededChunks)
	assert.Equal(t, "boom", got.LastError)

	docs, err := s.ListDocuments(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d1", docs[0].ID)
	assert.Equal(t, "d2", docs[1].ID)

	chunks := []knowledge.Chunk{
		{ID: "d1:b", DocumentID: "d1", Index: 1, Start: 10, End: 20, Text: "second", Length: 6},
		{ID: "d1:a", DocumentID: "d1", Index: 0, Start: 0, End: 10, Text: "first", Length: 5},
	}
	require.NoError(t, s.PutChunks(ctx, "alice", chunks))
	require.NoError(t, s.PutChunks(ctx, "bob", []knowledge.Chunk{{ID: "d1:a", DocumentID: "d1", Text: "bob"}}))
	stored, err := s.Chunks(ctx, "alice", "d1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "first", stored[0].Text)
	assert.Equal(t, 10, stored[1].Start)
	assert.Equal(t, 20, stored[1].End)

	require.NoError(t, s.MarkIndexed(ctx, "alice", "d1", 3, []string{"d1:a"}))
	done, err := s.IndexedChunks(ctx, "alice", "d1", 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"d1:a": true}, done)
	done, err = s.IndexedChunks(ctx, "alice", "d1", 4)
	require.NoError(t, err)
	assert.Empty(t, done)

	require.NoError(t, s.MarkIndexed(ctx, "alice", "d1", 4, []string{"d1:a", "d1:b"}))
	require.NoError(t, s.MarkIndexed(ctx, "bob", "d1", 4, []string{"d1:a"}))
	require.NoError(t, s.ClearProgress(ctx, "alice", 4))
	done, err = s.IndexedChunks(ctx, "alice", "d1", 4)
	require.NoError(t, err)
	assert.Empty(t, done)
	done, err = s.IndexedChunks(ctx, "alice", "d1", 3)
	require.NoError(t, err)
	assert.Len(t, done, 1)
	done, err = s.IndexedChunks(ctx, "bob", "d1", 4)
	require.NoError(t, err)
	assert.Len(t, done, 1)
	require.NoError(t, s.ClearProgress(ctx, "carol", 4))

	require.NoError(t, s.DeleteChunks(ctx, "alice", "d1", []string{"d1:a"}))
	stored, err = s.Chunks(ctx, "alice", "d1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "d1:b", stored[0].ID)
	done, err = s.IndexedChunks(ctx, "alice", "d1", 3)
	require.NoError(t, err)
	assert.Empty(t, done)

	require.NoError(t, s.DeleteDocument(ctx, "alice", "d1"))
	_, err = s.GetDocument(ctx, "alice", "d1")
	assert.ErrorIs(t, err, knowledge.ErrDocumentNotFound)
	stored, err = s.Chunks(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Empty(t, stored)
	bobChunks, err := s.Chunks(ctx, "bob", "d1")
	require.NoError(t, err)
	assert.Len(t, bobChunks, 1)
}

func exerciseCatalog(t *testing.T, c vectordb.Catalog) {
	t.Helper()
	ctx := context.Background()
	_, err := c.Collection(ctx, "alice")
	assert.ErrorIs(t, err, knowledge.ErrUnknownTenant)
	owner, err := c.CollectionOwner(ctx, "user_alice_documents")
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, c.RegisterCollection(ctx, "alice", "user_alice_documents"))
	require.NoError(t, c.RegisterCollection(ctx, "alice", "user_alice_documents"))
	assert.Error(t, c.RegisterCollection(ctx, "Alice", "user_alice_documents"))
	require.NoError(t, c.RegisterCollection(ctx, "bob", "user_bob_documents"))

	name, err := c.Collection(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "user_alice_documents", name)
	owner, err = c.CollectionOwner(ctx, "user_alice_documents")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	tenants, err := c.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, tenants)
}

func TestMemoryStore(t *testing.T) {
	t.Run("Should satisfy the document store contract", func(t *testing.T) {
		exerciseStore(t, NewMemoryStore())
	})
	t.Run("Should satisfy the collection catalog contract", func(t *testing.T) {
		exerciseCatalog(t, NewMemoryStore())
	})
	t.Run("Should hand out copies of documents", func(t *testing.T) {
		ctx := context.Background()
		s := NewMemoryStore()
		require.NoError(t, s.PutDocument(ctx, testDocument("alice", "d1", time.Now())))
		got, err := s.GetDocument(ctx, "alice", "d1")
		require.NoError(t, err)
		got.Status = knowledge.StatusFailed
		again, err := s.GetDocument(ctx, "alice", "d1")
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusPending, again.Status)
	})
}

func TestRedisStore(t *testing.T) {
	newStore := func(t *testing.T) *RedisStore {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisStore(client, "test")
	}
	t.Run("Should satisfy the document store contract", func(t *testing.T) {
		exerciseStore(t, newStore(t))
	})
	t.Run("Should satisfy the collection catalog contract", func(t *testing.T) {
		exerciseCatalog(t, newStore(t))
	})
}

func TestSQLiteStore(t *testing.T) {
	newStore := func(t *testing.T) *SQLiteStore {
		s, err := OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "documents.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	t.Run("Should satisfy the document store contract", func(t *testing.T) {
		exerciseStore(t, newStore(t))
	})
	t.Run("Should satisfy the collection catalog contract", func(t *testing.T) {
		exerciseCatalog(t, newStore(t))
	})
	t.Run("Should keep data across reopen", func(t *testing.T) {
		ctx := t.Context()
		path := filepath.Join(t.TempDir(), "documents.db")
		first, err := OpenSQLite(ctx, path)
		require.NoError(t, err)
		require.NoError(t, first.PutDocument(ctx, testDocument("alice", "d1", time.Now())))
		require.NoError(t, first.Close())
		second, err := OpenSQLite(ctx, path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = second.Close() })
		got, err := second.GetDocument(ctx, "alice", "d1")
		require.NoError(t, err)
		assert.Equal(t, "hash-d1", got.ContentHash)
	})
}

func TestOpen(t *testing.T) {
	t.Run("Should reject unknown providers", func(t *testing.T) {
		_, err := Open(context.Background(), &Config{Provider: "mongo"})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
	t.Run("Should require a redis client", func(t *testing.T) {
		_, err := Open(context.Background(), &Config{Provider: ProviderRedis})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
	t.Run("Should default to memory", func(t *testing.T) {
		s, err := Open(context.Background(), &Config{})
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})
}
