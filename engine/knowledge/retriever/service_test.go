package retriever_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/retriever"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectordb"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectorizer"
)

type stubModels struct {
	model *vectorizer.Model
	err   error
}

func (s *stubModels) Active(context.Context, string) (*vectorizer.Model, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.model, nil
}

type stubSearcher struct {
	matches  []vectordb.Match
	failures int
	err      error
	calls    int
	lastOpts vectordb.SearchOptions
	version  int64
}

func (s *stubSearcher) Search(
	_ context.Context,
	_ string,
	version int64,
	_ []float32,
	opts vectordb.SearchOptions,
) ([]vectordb.Match, error) {
	s.calls++
	s.lastOpts = opts
	s.version = version
	if s.calls <= s.failures {
		return nil, s.err
	}
	out := append([]vectordb.Match(nil), s.matches...)
	if len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	return out, nil
}

func match(id string, score float64, text string) vectordb.Match {
	return vectordb.Match{
		Record: vectordb.Record{ID: id, DocumentID: "doc-" + id, Title: "Title " + id, Text: text},
		Score:  score,
	}
}

func fitModel(t *testing.T) *vectorizer.Model {
	t.Helper()
	m, err := vectorizer.Fit([]string{"the cat sat on the mat", "dogs run in the park"}, vectorizer.DefaultOptions())
	require.NoError(t, err)
	return m.WithVersion("alice", 2)
}

func newService(t *testing.T, store retriever.Searcher, cfg retriever.Config) *retriever.Service {
	t.Helper()
	svc, err := retriever.NewService(&stubModels{model: fitModel(t)}, store, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestService_Retrieve(t *testing.T) {
	ctx := context.Background()
	t.Run("Should stop at the first chunk that overflows the budget", func(t *testing.T) {
		text := strings.Repeat("a", 30)
		store := &stubSearcher{matches: []vectordb.Match{match("1", 0.9, text), match("2", 0.8, text), match("3", 0.7, text)}}
		svc := newService(t, store, retriever.Config{MaxResults: 5, MaxContextChars: 50})
		chatCtx, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat"})
		require.NoError(t, err)
		require.Len(t, chatCtx.Entries, 1)
		assert.Equal(t, "1", chatCtx.Entries[0].ChunkID)
		assert.Equal(t, 30, chatCtx.TotalChars)
		assert.Equal(t, int64(2), chatCtx.ModelVersion)
		assert.Equal(t, int64(2), store.version)
		assert.Equal(t, 5, store.lastOpts.TopK)
	})
	t.Run("Should not skip ahead to a smaller chunk after overflowing", func(t *testing.T) {
		store := &stubSearcher{matches: []vectordb.Match{
			match("1", 0.9, strings.Repeat("a", 20)),
			match("2", 0.8, strings.Repeat("b", 40)),
			match("3", 0.7, "c"),
		}}
		svc := newService(t, store, retriever.Config{MaxContextChars: 50})
		chatCtx, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat"})
		require.NoError(t, err)
		require.Len(t, chatCtx.Entries, 1)
		assert.Equal(t, "1", chatCtx.Entries[0].ChunkID)
	})
	t.Run("Should keep a single oversized chunk whole", func(t *testing.T) {
		long := strings.Repeat("x", 120)
		store := &stubSearcher{matches: []vectordb.Match{match("1", 0.9, long), match("2", 0.5, "short")}}
		svc := newService(t, store, retriever.Config{MaxContextChars: 50})
		chatCtx, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat"})
		require.NoError(t, err)
		require.Len(t, chatCtx.Entries, 1)
		assert.Equal(t, long, chatCtx.Entries[0].Text)
		assert.Equal(t, 30, chatCtx.Entries[0].Tokens)
	})
	t.Run("Should filter matches below the minimum score", func(t *testing.T) {
		store := &stubSearcher{matches: []vectordb.Match{
			match("1", 0.9, "alpha"),
			match("2", 0.2, "beta"),
			match("3", 0, "gamma"),
		}}
		svc := newService(t, store, retriever.Config{MinScore: 0.3})
		chatCtx, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat"})
		require.NoError(t, err)
		require.Len(t, chatCtx.Entries, 1)

		zero := 0.0
		chatCtx, err = svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat", MinScore: &zero})
		require.NoError(t, err)
		assert.Len(t, chatCtx.Entries, 2)
	})
	t.Run("Should return an empty context for out-of-vocabulary queries", func(t *testing.T) {
		store := &stubSearcher{matches: []vectordb.Match{match("1", 0.9, "alpha")}}
		svc := newService(t, store, retriever.Config{})
		chatCtx, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "zebra quantum"})
		require.NoError(t, err)
		assert.True(t, chatCtx.Empty())
		assert.Zero(t, store.calls)
		assert.Equal(t, knowledge.NoContextMessage, chatCtx.Render())
	})
	t.Run("Should return an empty context when the tenant has no model", func(t *testing.T) {
		svc, err := retriever.NewService(&stubModels{err: knowledge.ErrModelNotFound}, &stubSearcher{}, nil, retriever.Config{})
		require.NoError(t, err)
		chatCtx, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat"})
		require.NoError(t, err)
		assert.True(t, chatCtx.Empty())
	})
	t.Run("Should retry transient store failures", func(t *testing.T) {
		store := &stubSearcher{
			matches:  []vectordb.Match{match("1", 0.9, "alpha")},
			failures: 2,
			err:      knowledge.StoreError("search", errors.New("connection reset")),
		}
		svc := newService(t, store, retriever.Config{Retry: knowledge.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}})
		chatCtx, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat"})
		require.NoError(t, err)
		assert.Len(t, chatCtx.Entries, 1)
		assert.Equal(t, 3, store.calls)
	})
	t.Run("Should signal retrieval unavailable after exhausting retries", func(t *testing.T) {
		store := &stubSearcher{failures: 10, err: knowledge.StoreError("search", errors.New("down"))}
		svc := newService(t, store, retriever.Config{Retry: knowledge.RetryPolicy{MaxRetries: 1, Backoff: time.Millisecond}})
		_, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat"})
		assert.ErrorIs(t, err, knowledge.ErrRetrievalUnavailable)
		assert.Equal(t, 2, store.calls)
	})
	t.Run("Should surface unknown tenants without retrying", func(t *testing.T) {
		store := &stubSearcher{failures: 10, err: knowledge.ErrUnknownTenant}
		svc := newService(t, store, retriever.Config{Retry: knowledge.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}})
		_, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "bob", Query: "cat"})
		assert.ErrorIs(t, err, knowledge.ErrUnknownTenant)
		assert.NotErrorIs(t, err, knowledge.ErrRetrievalUnavailable)
		assert.Equal(t, 1, store.calls)
	})
	t.Run("Should validate the request", func(t *testing.T) {
		svc := newService(t, &stubSearcher{}, retriever.Config{})
		_, err := svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "  "})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
		_, err = svc.Retrieve(ctx, &retriever.Request{Query: "cat"})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
		bad := 1.5
		_, err = svc.Retrieve(ctx, &retriever.Request{Tenant: "alice", Query: "cat", MinScore: &bad})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
}

func TestService_Search(t *testing.T) {
	t.Run("Should pass filters and keep ranking", func(t *testing.T) {
		store := &stubSearcher{matches: []vectordb.Match{match("1", 0.9, "alpha"), match("2", 0.4, "beta")}}
		svc := newService(t, store, retriever.Config{CacheSize: 16})
		filters := map[string]string{vectordb.FieldDocumentID: "doc-1"}
		result, err := svc.Search(context.Background(), &retriever.Request{
			Tenant:     "alice",
			Query:      "cat",
			MaxResults: 1,
			Filters:    filters,
		})
		require.NoError(t, err)
		require.Len(t, result.Matches, 1)
		assert.Equal(t, "doc-1", result.Matches[0].DocumentID)
		assert.Equal(t, filters, store.lastOpts.Filters)
		assert.Equal(t, 1, store.lastOpts.TopK)
	})
}

func TestNewService(t *testing.T) {
	t.Run("Should require collaborators", func(t *testing.T) {
		_, err := retriever.NewService(nil, &stubSearcher{}, nil, retriever.Config{})
		assert.Error(t, err)
		_, err = retriever.NewService(&stubModels{}, nil, nil, retriever.Config{})
		assert.Error(t, err)
	})
}
