package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/chunk"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/docstore"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectordb"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectorizer"
)

const article = "Cats purr when they are content. Dogs wag their tails when happy. " +
	"Parrots mimic human speech remarkably well. Goldfish swim in small bowls."

type flakyVectors struct {
	ingest.VectorStore
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (f *flakyVectors) Upsert(ctx context.Context, tenant string, version int64, records []vectordb.Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.failAfter >= 0 && f.calls > f.failAfter
	f.mu.Unlock()
	if fail {
		return knowledge.StoreError("upsert", errors.New("connection refused"))
	}
	return f.VectorStore.Upsert(ctx, tenant, version, records)
}

func (f *flakyVectors) heal() {
	f.mu.Lock()
	f.failAfter = -1
	f.mu.Unlock()
}

type env struct {
	docs    *docstore.MemoryStore
	vectors *vectordb.Store
	models  *vectorizer.Registry
	flaky   *flakyVectors
	pipe    *ingest.Pipeline
}

func newEnv(t *testing.T, cfg ingest.Config) *env {
	t.Helper()
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	vectors, err := vectordb.Open(ctx, &vectordb.Config{Provider: vectordb.ProviderMemory}, docs)
	require.NoError(t, err)
	models := vectorizer.NewRegistry(vectorizer.NewMemoryStore(), vectorizer.ScopeTenant, vectorizer.DefaultOptions())
	if cfg.Chunking.Size == 0 {
		cfg.Chunking = chunk.Settings{Size: 40, Overlap: 10, NormalizeNewlines: true, PreferBoundaries: true}
	}
	if cfg.Retry.Backoff == 0 {
		cfg.Retry = knowledge.RetryPolicy{MaxRetries: 1, Backoff: time.Millisecond}
	}
	flaky := &flakyVectors{VectorStore: vectors, failAfter: -1}
	pipe, err := ingest.NewPipeline(ingest.Deps{Documents: docs, Models: models, Vectors: flaky}, cfg)
	require.NoError(t, err)
	return &env{docs: docs, vectors: vectors, models: models, flaky: flaky, pipe: pipe}
}

func (e *env) search(t *testing.T, tenant, query string) []vectordb.Match {
	t.Helper()
	ctx := context.Background()
	model, err := e.models.Active(ctx, tenant)
	require.NoError(t, err)
	matches, err := e.vectors.Search(ctx, tenant, model.Version, model.Transform(query), vectordb.SearchOptions{TopK: 5})
	require.NoError(t, err)
	return matches
}

func TestPipeline_Ingest(t *testing.T) {
	ctx := context.Background()
	t.Run("Should index a new document", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		res, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "pets", Title: "Pets", Text: article})
		require.NoError(t, err)
		doc := res.Document
		assert.Equal(t, knowledge.StatusIndexed, doc.Status)
		assert.Greater(t, res.Chunks, 1)
		assert.Equal(t, res.Chunks, doc.ChunkCount)
		assert.Equal(t, res.Chunks, res.Embedded)
		assert.Equal(t, int64(1), doc.ModelVersion)
		assert.Equal(t, 1, doc.Attempts)
		assert.Empty(t, doc.LastError)

		stored, err := e.docs.GetDocument(ctx, "alice", "pets")
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusIndexed, stored.Status)
		assert.Equal(t, chunk.HashContent(article), stored.ContentHash)
		done, err := e.docs.IndexedChunks(ctx, "alice", "pets", 1)
		require.NoError(t, err)
		assert.Len(t, done, doc.ChunkCount)

		matches := e.search(t, "alice", "parrots speech")
		require.NotEmpty(t, matches)
		assert.Greater(t, matches[0].Score, 0.0)
		assert.Equal(t, "Pets", matches[0].Title)
		assert.Equal(t, "pets", matches[0].DocumentID)
	})
	t.Run("Should treat identical content as a no-op", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		req := &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article}
		_, err := e.pipe.Ingest(ctx, req)
		require.NoError(t, err)
		res, err := e.pipe.Ingest(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Unchanged)
		assert.Zero(t, res.Embedded)
		assert.Equal(t, 1, res.Document.Attempts)
	})
	t.Run("Should replace the chunks of changed content", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		first, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article})
		require.NoError(t, err)
		res, err := e.pipe.Ingest(ctx, &ingest.Request{
			Tenant:     "alice",
			DocumentID: "pets",
			Text:       "Cats purr loudly. Dogs sleep all day.",
		})
		require.NoError(t, err)
		assert.False(t, res.Unchanged)
		assert.Equal(t, first.Chunks, res.Removed)
		assert.Equal(t, knowledge.StatusIndexed, res.Document.Status)
		assert.Nil(t, res.Document.SupersededChunks)
		assert.Equal(t, 2, res.Document.Attempts)

		chunks, err := e.docs.Chunks(ctx, "alice", "pets")
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "Cats purr loudly. Dogs sleep all day.", chunks[0].Text)
		count, err := e.vectors.Count(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		for _, m := range e.search(t, "alice", "parrots speech") {
			assert.NotContains(t, m.Text, "Parrots")
		}
	})
	t.Run("Should resume from the first chunk without a vector", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true, BatchSize: 1, Concurrency: 1})
		e.flaky.failAfter = 2
		req := &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article}
		_, err := e.pipe.Ingest(ctx, req)
		require.Error(t, err)
		assert.ErrorIs(t, err, knowledge.ErrStoreUnavailable)

		failed, err := e.docs.GetDocument(ctx, "alice", "pets")
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusFailed, failed.Status)
		assert.Contains(t, failed.LastError, "connection refused")
		done, err := e.docs.IndexedChunks(ctx, "alice", "pets", 1)
		require.NoError(t, err)
		assert.Len(t, done, 2)

		e.flaky.heal()
		res, err := e.pipe.Ingest(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusIndexed, res.Document.Status)
		assert.Equal(t, res.Chunks-2, res.Embedded)
		assert.Equal(t, 2, res.Document.Attempts)
		assert.Empty(t, res.Document.LastError)
	})
	t.Run("Should fail when no model exists and auto-fit is off", func(t *testing.T) {
		e := newEnv(t, ingest.Config{})
		_, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article})
		assert.ErrorIs(t, err, knowledge.ErrModelNotFound)
		doc, err := e.docs.GetDocument(ctx, "alice", "pets")
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusFailed, doc.Status)
	})
	t.Run("Should record extraction failures on the document", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
		_, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "img", Data: png})
		assert.ErrorIs(t, err, knowledge.ErrUnsupportedFormat)
		doc, err := e.docs.GetDocument(ctx, "alice", "img")
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusFailed, doc.Status)
		assert.NotEmpty(t, doc.LastError)
	})
	t.Run("Should keep an indexed document when new bytes cannot be extracted", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		first, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article})
		require.NoError(t, err)
		png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
		_, err = e.pipe.Ingest(ctx, &ingest.Request{
			Tenant:     "alice",
			DocumentID: "pets",
			Data:       png,
			MIMEType:   "application/x-bogus",
		})
		assert.ErrorIs(t, err, knowledge.ErrUnsupportedFormat)
		doc, err := e.docs.GetDocument(ctx, "alice", "pets")
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusIndexed, doc.Status)
		assert.Equal(t, first.Document.ContentHash, doc.ContentHash)
		assert.Empty(t, doc.LastError)
		assert.NotEmpty(t, e.search(t, "alice", "parrots speech"))
	})
	t.Run("Should extract uploaded bytes", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		res, err := e.pipe.Ingest(ctx, &ingest.Request{
			Tenant:     "alice",
			DocumentID: "notes",
			Data:       []byte("# Notes\r\nParrots mimic speech.\r\n"),
			MIMEType:   "text/markdown",
		})
		require.NoError(t, err)
		assert.Equal(t, "text/markdown", res.Document.MIMEType)
		assert.Equal(t, knowledge.StatusIndexed, res.Document.Status)
	})
	t.Run("Should leave a canceled run resumable", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := e.pipe.Ingest(canceled, &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article})
		require.ErrorIs(t, err, context.Canceled)
		doc, err := e.docs.GetDocument(ctx, "alice", "pets")
		if err == nil {
			assert.NotEqual(t, knowledge.StatusFailed, doc.Status)
		}
		res, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article})
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusIndexed, res.Document.Status)
	})
	t.Run("Should index empty text with no chunks", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		res, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "blank", Text: ""})
		require.NoError(t, err)
		assert.Equal(t, knowledge.StatusIndexed, res.Document.Status)
		assert.Zero(t, res.Chunks)
	})
	t.Run("Should assign an ID when none is given", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		res, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", Text: article})
		require.NoError(t, err)
		assert.NotEmpty(t, res.Document.ID)
	})
	t.Run("Should serialize concurrent runs of one document", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		var wg sync.WaitGroup
		results := make([]*ingest.Result, 5)
		errs := make([]error, 5)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article})
			}(i)
		}
		wg.Wait()
		fresh := 0
		for i := range results {
			require.NoError(t, errs[i])
			if !results[i].Unchanged {
				fresh++
			}
		}
		assert.Equal(t, 1, fresh)
		doc, err := e.docs.GetDocument(ctx, "alice", "pets")
		require.NoError(t, err)
		assert.Equal(t, 1, doc.Attempts)
	})
	t.Run("Should reject requests without a tenant", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		_, err := e.pipe.Ingest(ctx, &ingest.Request{Text: article})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
}

func TestPipeline_Delete(t *testing.T) {
	ctx := context.Background()
	t.Run("Should remove the document and its vectors", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		_, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "pets", Text: article})
		require.NoError(t, err)
		_, err = e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "cats", Text: "Cats purr softly."})
		require.NoError(t, err)

		require.NoError(t, e.pipe.Delete(ctx, "alice", "pets"))
		_, err = e.docs.GetDocument(ctx, "alice", "pets")
		assert.ErrorIs(t, err, knowledge.ErrDocumentNotFound)
		for _, m := range e.search(t, "alice", "cats dogs parrots goldfish") {
			assert.Equal(t, "cats", m.DocumentID)
		}
		chunks, err := e.docs.Chunks(ctx, "alice", "pets")
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})
	t.Run("Should report unknown documents", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		err := e.pipe.Delete(ctx, "alice", "missing")
		assert.ErrorIs(t, err, knowledge.ErrDocumentNotFound)
	})
}

func TestNewPipeline(t *testing.T) {
	t.Run("Should require collaborators and valid chunking", func(t *testing.T) {
		_, err := ingest.NewPipeline(ingest.Deps{}, ingest.Config{})
		assert.Error(t, err)
		docs := docstore.NewMemoryStore()
		models := vectorizer.NewRegistry(nil, "", vectorizer.DefaultOptions())
		vectors := vectordb.NewStore(vectordb.NewMemoryBackend(), vectordb.NewCollectionRegistry(docs))
		_, err = ingest.NewPipeline(
			ingest.Deps{Documents: docs, Models: models, Vectors: vectors},
			ingest.Config{Chunking: chunk.Settings{Size: 10, Overlap: 10}},
		)
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
		assert.True(t, strings.Contains(err.Error(), "overlap"))
	})
}

func TestPipeline_Reconfigure(t *testing.T) {
	ctx := context.Background()
	t.Run("Should chunk later runs with the new settings", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		small, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "a", Text: article})
		require.NoError(t, err)
		cfg := e.pipe.Config()
		cfg.Chunking.Size = 400
		cfg.Chunking.Overlap = 0
		require.NoError(t, e.pipe.Reconfigure(cfg))
		large, err := e.pipe.Ingest(ctx, &ingest.Request{Tenant: "alice", DocumentID: "b", Text: article})
		require.NoError(t, err)
		assert.Equal(t, 1, large.Chunks)
		assert.Greater(t, small.Chunks, large.Chunks)
	})
	t.Run("Should keep the current settings when the new ones are invalid", func(t *testing.T) {
		e := newEnv(t, ingest.Config{AutoFit: true})
		cfg := e.pipe.Config()
		cfg.Chunking.Overlap = cfg.Chunking.Size
		err := e.pipe.Reconfigure(cfg)
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
		assert.Equal(t, 40, e.pipe.Config().Chunking.Size)
		assert.Equal(t, 10, e.pipe.Config().Chunking.Overlap)
	})
}
