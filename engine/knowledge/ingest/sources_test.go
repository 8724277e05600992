package ingest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/extract"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
)

func TestFileSources(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/docs/guide.md", []byte("# Guide"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/docs/sub/notes.txt", []byte("notes"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/report.pdf", []byte("%PDF-1.4"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/outside.txt", []byte("secret"), 0o644))

	t.Run("Should expand recursive globs under the root", func(t *testing.T) {
		reqs, err := ingest.FileSources(ctx, fs, "/data", "alice", []string{"docs/**/*", "./docs/guide.md"})
		require.NoError(t, err)
		require.Len(t, reqs, 2)
		assert.Equal(t, ingest.SourceID("docs/guide.md"), reqs[0].DocumentID)
		assert.Equal(t, "guide.md", reqs[0].Title)
		assert.Equal(t, extract.MIMEMarkdown, reqs[0].MIMEType)
		assert.Equal(t, "alice", reqs[0].Tenant)
		assert.Equal(t, []byte("# Guide"), reqs[0].Data)
		assert.Equal(t, "notes.txt", reqs[1].Title)
		assert.Equal(t, extract.MIMEPlain, reqs[1].MIMEType)
	})
	t.Run("Should keep stable IDs per path", func(t *testing.T) {
		reqs, err := ingest.FileSources(ctx, fs, "/data", "alice", []string{"*.pdf"})
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, extract.MIMEPDF, reqs[0].MIMEType)
		again, err := ingest.FileSources(ctx, fs, "/data", "alice", []string{"report.pdf"})
		require.NoError(t, err)
		assert.Equal(t, reqs[0].DocumentID, again[0].DocumentID)
	})
	t.Run("Should not escape the root", func(t *testing.T) {
		reqs, err := ingest.FileSources(ctx, fs, "/data", "alice", []string{"../*.txt"})
		if err == nil {
			assert.Empty(t, reqs)
		}
	})
	t.Run("Should reject malformed patterns", func(t *testing.T) {
		_, err := ingest.FileSources(ctx, fs, "/data", "alice", []string{"docs/[a"})
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
}

func TestFetchURL(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Parrots mimic speech."))
	}))
	defer srv.Close()

	t.Run("Should download a document", func(t *testing.T) {
		req, err := ingest.FetchURL(ctx, nil, "alice", srv.URL+"/guides/parrots.txt")
		require.NoError(t, err)
		assert.Equal(t, "parrots.txt", req.Title)
		assert.Equal(t, "Parrots mimic speech.", string(req.Data))
		assert.Contains(t, req.MIMEType, "text/plain")
		assert.NotEmpty(t, req.DocumentID)
	})
	t.Run("Should fail on error statuses", func(t *testing.T) {
		_, err := ingest.FetchURL(ctx, nil, "alice", srv.URL+"/missing")
		assert.ErrorIs(t, err, knowledge.ErrExtraction)
	})
	t.Run("Should reject non-http urls", func(t *testing.T) {
		_, err := ingest.FetchURL(ctx, nil, "alice", "ftp://example.com/a.txt")
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
}
