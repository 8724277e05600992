package vectordb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

func newTestStore() *Store {
	return NewStore(NewGuard(NewMemoryBackend(), ProviderMemory, time.Second, BreakerConfig{}), nil)
}

func record(id, doc string, created time.Time, vec ...float32) Record {
	return Record{ID: id, DocumentID: doc, Text: "text of " + id, CreatedAt: created, Vector: vec}
}

func ids(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for i := range matches {
		out = append(out, matches[i].ID)
	}
	return out
}

func TestStore_Upsert(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	t.Run("Should create the collection lazily and stay idempotent", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{record("c1", "d1", now, 1, 0, 0)}))
		second := record("c1", "d1", now, 0, 1, 0)
		second.Text = "rewritten"
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{second}))
		n, err := s.Count(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		matches, err := s.Search(ctx, "alice", 1, []float32{0, 1, 0}, SearchOptions{TopK: 1})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "rewritten", matches[0].Text)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	})
	t.Run("Should reject vectors of another dimension", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{record("c1", "d1", now, 1, 0, 0)}))
		err := s.Upsert(ctx, "alice", 1, []Record{record("c2", "d1", now, 1, 0)})
		assert.ErrorIs(t, err, knowledge.ErrDimensionMismatch)
		err = s.Upsert(ctx, "alice", 1, []Record{record("c3", "d1", now, 1, 0, 0), record("c4", "d1", now, 1)})
		assert.ErrorIs(t, err, knowledge.ErrDimensionMismatch)
		_, err = s.Search(ctx, "alice", 1, []float32{1, 0}, SearchOptions{TopK: 1})
		assert.ErrorIs(t, err, knowledge.ErrDimensionMismatch)
	})
	t.Run("Should keep model versions in separate collections", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{record("c1", "d1", now, 1, 0, 0)}))
		require.NoError(t, s.Upsert(ctx, "alice", 2, []Record{record("c1", "d1", now, 0, 0, 1, 0)}))
		v1, err := s.Search(ctx, "alice", 1, []float32{1, 0, 0}, SearchOptions{TopK: 5})
		require.NoError(t, err)
		assert.Len(t, v1, 1)
		v2, err := s.Search(ctx, "alice", 2, []float32{0, 0, 1, 0}, SearchOptions{TopK: 5})
		require.NoError(t, err)
		assert.Len(t, v2, 1)
		require.NoError(t, s.DropVersion(ctx, "alice", 1))
		n, err := s.Count(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
	t.Run("Should skip all-zero vectors", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{
			record("c1", "d1", now, 0, 0),
			record("c2", "d1", now, 1, 0),
		}))
		n, err := s.Count(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
	t.Run("Should require a tenant", func(t *testing.T) {
		err := newTestStore().Upsert(ctx, " ", 1, []Record{record("c1", "d1", now, 1)})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
}

func TestStore_Search(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	t.Run("Should never return another tenant's chunks", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{record("a1", "da", now, 1, 1)}))
		require.NoError(t, s.Upsert(ctx, "bob", 1, []Record{record("b1", "db", now, 1, 1), record("b2", "db", now, 1, 0)}))
		matches, err := s.Search(ctx, "alice", 1, []float32{1, 1}, SearchOptions{TopK: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, ids(matches))
	})
	t.Run("Should fail for unregistered tenants", func(t *testing.T) {
		_, err := newTestStore().Search(ctx, "ghost", 1, []float32{1}, SearchOptions{TopK: 1})
		assert.ErrorIs(t, err, knowledge.ErrUnknownTenant)
	})
	t.Run("Should require a positive top_k", func(t *testing.T) {
		_, err := newTestStore().Search(ctx, "alice", 1, []float32{1}, SearchOptions{TopK: 0})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
	t.Run("Should return everything when fewer than top_k exist", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{record("c1", "d1", now, 1, 0), record("c2", "d1", now, 0, 1)}))
		matches, err := s.Search(ctx, "alice", 1, []float32{1, 0}, SearchOptions{TopK: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, ids(matches))
	})
	t.Run("Should break ties by newest document then chunk id", func(t *testing.T) {
		s := newTestStore()
		older := now.Add(-time.Hour)
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{
			record("z-old", "d1", older, 1, 0),
			record("b-new", "d2", now, 1, 0),
			record("a-new", "d2", now, 1, 0),
			record("far", "d3", now, 0, 1),
		}))
		matches, err := s.Search(ctx, "alice", 1, []float32{1, 0}, SearchOptions{TopK: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"a-new", "b-new", "z-old"}, ids(matches))
	})
	t.Run("Should return nothing for a zero query", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{record("c1", "d1", now, 1, 0)}))
		matches, err := s.Search(ctx, "alice", 1, []float32{0, 0}, SearchOptions{TopK: 3})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
	t.Run("Should return nothing for a version without vectors", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{record("c1", "d1", now, 1, 0)}))
		matches, err := s.Search(ctx, "alice", 7, []float32{1, 0}, SearchOptions{TopK: 3})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
	t.Run("Should filter by document", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.Upsert(ctx, "alice", 1, []Record{record("c1", "d1", now, 1, 0), record("c2", "d2", now, 1, 0)}))
		matches, err := s.Search(ctx, "alice", 1, []float32{1, 0}, SearchOptions{
			TopK:    3,
			Filters: map[string]string{FieldDocumentID: "d2"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"c2"}, ids(matches))
	})
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore()
	var records []Record
	for i := 0; i < 4; i++ {
		doc := "d1"
		if i%2 == 1 {
			doc = "d2"
		}
		records = append(records, record(fmt.Sprintf("c%d", i), doc, now, 1, float32(i)))
	}
	require.NoError(t, s.Upsert(ctx, "alice", 1, records))
	t.Run("Should delete a single chunk", func(t *testing.T) {
		require.NoError(t, s.DeleteChunk(ctx, "alice", 1, "c0"))
		n, err := s.Count(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
	t.Run("Should delete every chunk of a document", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "alice", 1, Filter{DocumentID: "d2"}))
		n, err := s.Count(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
	t.Run("Should ignore unknown tenants and empty filters", func(t *testing.T) {
		assert.NoError(t, s.Delete(ctx, "ghost", 1, Filter{DocumentID: "d1"}))
		assert.NoError(t, s.Delete(ctx, "alice", 1, Filter{}))
		n, err := s.Count(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}
