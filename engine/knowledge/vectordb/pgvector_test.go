package vectordb

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

const (
	pgDimensionQuery = `SELECT dimension FROM "knowledge_chunks_collections" WHERE name = \$1`
	pgEnsureQuery    = `INSERT INTO "knowledge_chunks_collections" \(name,dimension\) VALUES \(\$1,\$2\) ON CONFLICT \(name\) DO NOTHING`
)

func TestPGBackend_EnsureCollection(t *testing.T) {
	ctx := context.Background()
	t.Run("Should register the collection dimension", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectExec(pgEnsureQuery).
			WithArgs("col_v1", 3).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectQuery(pgDimensionQuery).
			WithArgs("col_v1").
			WillReturnRows(mock.NewRows([]string{"dimension"}).AddRow(3))
		require.NoError(t, NewPGBackend(mock, "").EnsureCollection(ctx, "col_v1", 3))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should refuse a different dimension", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectExec(pgEnsureQuery).
			WithArgs("col_v1", 4).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectQuery(pgDimensionQuery).
			WithArgs("col_v1").
			WillReturnRows(mock.NewRows([]string{"dimension"}).AddRow(3))
		err = NewPGBackend(mock, "").EnsureCollection(ctx, "col_v1", 4)
		assert.ErrorIs(t, err, knowledge.ErrDimensionMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGBackend_Search(t *testing.T) {
	ctx := context.Background()
	t.Run("Should scan ranked rows", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		mock.ExpectQuery(pgDimensionQuery).
			WithArgs("col_v1").
			WillReturnRows(mock.NewRows([]string{"dimension"}).AddRow(2))
		mock.ExpectQuery(`SELECT id, document_id, title, idx, text, created_at, 1 - \(embedding <=> \$1\) AS score FROM "knowledge_chunks" WHERE collection = \$2 AND document_id = \$3 ORDER BY embedding <=> \$4 ASC, created_at DESC, id ASC LIMIT 4`).
			WithArgs(pgxmock.AnyArg(), "col_v1", "d1", pgxmock.AnyArg()).
			WillReturnRows(mock.NewRows([]string{"id", "document_id", "title", "idx", "text", "created_at", "score"}).
				AddRow("c2", "d1", "Doc", 1, "beta", created, 0.5).
				AddRow("c1", "d1", "Doc", 0, "alpha", created, 0.9))
		matches, err := NewPGBackend(mock, "").Search(ctx, "col_v1", []float32{1, 0}, SearchOptions{
			TopK:    4,
			Filters: map[string]string{FieldDocumentID: "d1"},
		})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "c1", matches[0].ID)
		assert.Equal(t, "alpha", matches[0].Text)
		assert.InDelta(t, 0.9, matches[0].Score, 1e-9)
		assert.True(t, created.Equal(matches[1].CreatedAt))
		assert.Equal(t, 1, matches[1].Index)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should return nothing for a missing collection", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectQuery(pgDimensionQuery).
			WithArgs("col_v9").
			WillReturnError(pgx.ErrNoRows)
		matches, err := NewPGBackend(mock, "").Search(ctx, "col_v9", []float32{1}, SearchOptions{TopK: 1})
		require.NoError(t, err)
		assert.Empty(t, matches)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should reject unknown filter keys", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectQuery(pgDimensionQuery).
			WithArgs("col_v1").
			WillReturnRows(mock.NewRows([]string{"dimension"}).AddRow(1))
		_, err = NewPGBackend(mock, "").Search(ctx, "col_v1", []float32{1}, SearchOptions{
			TopK:    1,
			Filters: map[string]string{"owner": "x"},
		})
		assert.Error(t, err)
	})
}

func TestPGBackend_Delete(t *testing.T) {
	t.Run("Should delete by chunk ids or document", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		mock.ExpectExec(`DELETE FROM "knowledge_chunks" WHERE collection = \$1 AND \(id IN \(\$2,\$3\) OR document_id = \$4\)`).
			WithArgs("col_v1", "c1", "c2", "d1").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
		err = NewPGBackend(mock, "").Delete(context.Background(), "col_v1", Filter{IDs: []string{"c1", "c2"}, DocumentID: "d1"})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
