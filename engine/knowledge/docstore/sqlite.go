package docstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/pressly/goose/v3"
	// Register modernc SQLite driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var gooseInitMu sync.Mutex

const sqliteBusyTimeout = 5 * time.Second

// SQLiteStore keeps ingestion state in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

type documentRow struct {
	Tenant           string `db:"tenant"`
	ID               string `db:"id"`
	Title            string `db:"title"`
	MIMEType         string `db:"mime_type"`
	Length           int    `db:"length"`
	ContentHash      string `db:"content_hash"`
	Status           string `db:"status"`
	ChunkCount       int    `db:"chunk_count"`
	ModelVersion     int64  `db:"model_version"`
	SupersededChunks string `db:"superseded_chunks"`
	LastError        string `db:"last_error"`
	Attempts         int    `db:"attempts"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

type chunkRow struct {
	ID         string `db:"id"`
	DocumentID string `db:"document_id"`
	Idx        int    `db:"idx"`
	StartPos   int    `db:"start_pos"`
	EndPos     int    `db:"end_pos"`
	Text       string `db:"text"`
	Length     int    `db:"length"`
}

var documentColumns = []string{
	"tenant", "id", "title", "mime_type", "length", "content_hash", "status", "chunk_count",
	"model_version", "superseded_chunks", "last_error", "attempts", "created_at", "updated_at",
}

// OpenSQLite opens the database at path and applies the embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// A single connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	gooseInitMu.Lock()
	defer func() {
		goose.SetBaseFS(nil)
		gooseInitMu.Unlock()
	}()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("sqlite: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("sqlite: apply migrations: %w", err)
	}
	return nil
}

func sq() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
}

func toDocument(row *documentRow) (*knowledge.Document, error) {
	doc := &knowledge.Document{
		ID:           row.ID,
		Tenant:       row.Tenant,
		Title:        row.Title,
		MIMEType:     row.MIMEType,
		Length:       row.Length,
		ContentHash:  row.ContentHash,
		Status:       knowledge.Status(row.Status),
		ChunkCount:   row.ChunkCount,
		ModelVersion: row.ModelVersion,
		LastError:    row.LastError,
		Attempts:     row.Attempts,
		CreatedAt:    time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:    time.Unix(0, row.UpdatedAt).UTC(),
	}
	if row.SupersededChunks != "" && row.SupersededChunks != "[]" {
		if err := json.Unmarshal([]byte(row.SupersededChunks), &doc.SupersededChunks); err != nil {
			return nil, fmt.Errorf("sqlite: decode superseded chunks of %s: %w", row.ID, err)
		}
	}
	return doc, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, tenant, id string) (*knowledge.Document, error) {
	query, args, err := sq().Select(documentColumns...).From("documents").
		Where(squirrel.Eq{"tenant": tenant, "id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build get document: %w", err)
	}
	var row documentRow
	if err := sqlscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, notFound(tenant, id)
		}
		return nil, fmt.Errorf("sqlite: get document: %w", err)
	}
	return toDocument(&row)
}

func (s *SQLiteStore) PutDocument(ctx context.Context, doc *knowledge.Document) error {
	if err := validDocument(doc); err != nil {
		return err
	}
	superseded := []byte("[]")
	if len(doc.SupersededChunks) > 0 {
		var err error
		if superseded, err = json.Marshal(doc.SupersededChunks); err != nil {
			return fmt.Errorf("sqlite: encode superseded chunks: %w", err)
		}
	}
	query, args, err := sq().Insert("documents").Columns(documentColumns...).Values(
		doc.Tenant, doc.ID, doc.Title, doc.MIMEType, doc.Length, doc.ContentHash, string(doc.Status),
		doc.ChunkCount, doc.ModelVersion, string(superseded), doc.LastError, doc.Attempts,
		doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano(),
	).Suffix(`ON CONFLICT (tenant, id) DO UPDATE SET
    title = excluded.title,
    mime_type = excluded.mime_type,
    length = excluded.length,
    content_hash = excluded.content_hash,
    status = excluded.status,
    chunk_count = excluded.chunk_count,
    model_version = excluded.model_version,
    superseded_chunks = excluded.superseded_chunks,
    last_error = excluded.last_error,
    attempts = excluded.attempts,
    updated_at = excluded.updated_at`).ToSql()
	if err != nil {
		return fmt.Errorf("sqlite: build put document: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: put document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, tenant string) ([]*knowledge.Document, error) {
	query, args, err := sq().Select(documentColumns...).From("documents").
		Where(squirrel.Eq{"tenant": tenant}).
		OrderBy("created_at ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build list documents: %w", err)
	}
	var rows []documentRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sqlite: list documents: %w", err)
	}
	out := make([]*knowledge.Document, 0, len(rows))
	for i := range rows {
		doc, err := toDocument(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE tenant = ? AND id = ?`, tenant, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected (delete document): %w", err)
	}
	if n == 0 {
		return notFound(tenant, id)
	}
	return nil
}

func (s *SQLiteStore) PutChunks(ctx context.Context, tenant string, chunks []knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ib := sq().Insert("chunks").
		Columns("tenant", "id", "document_id", "idx", "start_pos", "end_pos", "text", "length")
	for i := range chunks {
		c := &chunks[i]
		ib = ib.Values(tenant, c.ID, c.DocumentID, c.Index, c.Start, c.End, c.Text, c.Length)
	}
	query, args, err := ib.Suffix(`ON CONFLICT (tenant, id) DO UPDATE SET
    idx = excluded.idx,
    start_pos = excluded.start_pos,
    end_pos = excluded.end_pos,
    text = excluded.text,
    length = excluded.length`).ToSql()
	if err != nil {
		return fmt.Errorf("sqlite: build put chunks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: put chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Chunks(ctx context.Context, tenant, documentID string) ([]knowledge.Chunk, error) {
	query, args, err := sq().
		Select("id", "document_id", "idx", "start_pos", "end_pos", "text", "length").
		From("chunks").
		Where(squirrel.Eq{"tenant": tenant, "document_id": documentID}).
		OrderBy("idx ASC", "id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build list chunks: %w", err)
	}
	var rows []chunkRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("sqlite: list chunks: %w", err)
	}
	out := make([]knowledge.Chunk, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		out = append(out, knowledge.Chunk{
			ID:         r.ID,
			DocumentID: r.DocumentID,
			Index:      r.Idx,
			Start:      r.StartPos,
			End:        r.EndPos,
			Text:       r.Text,
			Length:     r.Length,
		})
	}
	return out, nil
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, tenant, documentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq().Delete("chunks").
		Where(squirrel.Eq{"tenant": tenant, "document_id": documentID, "id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("sqlite: build delete chunks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkIndexed(ctx context.Context, tenant, documentID string, version int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ib := sq().Insert("chunk_progress").Columns("tenant", "document_id", "chunk_id", "model_version")
	for _, id := range ids {
		ib = ib.Values(tenant, documentID, id, version)
	}
	query, args, err := ib.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("sqlite: build mark indexed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: mark indexed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IndexedChunks(
	ctx context.Context,
	tenant, documentID string,
	version int64,
) (map[string]bool, error) {
	query, args, err := sq().Select("chunk_id").From("chunk_progress").
		Where(squirrel.Eq{"tenant": tenant, "document_id": documentID, "model_version": version}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build indexed chunks: %w", err)
	}
	var ids []string
	if err := sqlscan.Select(ctx, s.db, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("sqlite: indexed chunks: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (s *SQLiteStore) ClearProgress(ctx context.Context, tenant string, version int64) error {
	query, args, err := sq().Delete("chunk_progress").
		Where(squirrel.Eq{"tenant": tenant, "model_version": version}).ToSql()
	if err != nil {
		return fmt.Errorf("sqlite: build clear progress: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: clear progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Collection(ctx context.Context, tenant string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM collections WHERE tenant = ?`, tenant).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", knowledge.ErrUnknownTenant, tenant)
		}
		return "", fmt.Errorf("sqlite: lookup collection: %w", err)
	}
	return name, nil
}

func (s *SQLiteStore) CollectionOwner(ctx context.Context, name string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT tenant FROM collections WHERE name = ?`, name).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("sqlite: lookup collection owner: %w", err)
	}
	return owner, nil
}

func (s *SQLiteStore) RegisterCollection(ctx context.Context, tenant, name string) error {
	const q = `INSERT INTO collections (name, tenant) VALUES (?, ?) ON CONFLICT DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, name, tenant); err != nil {
		return fmt.Errorf("sqlite: register collection: %w", err)
	}
	owner, err := s.CollectionOwner(ctx, name)
	if err != nil {
		return err
	}
	if owner != tenant {
		return fmt.Errorf("sqlite: collection %s already belongs to another tenant", name)
	}
	return nil
}

func (s *SQLiteStore) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	if err := sqlscan.Select(ctx, s.db, &tenants, `SELECT tenant FROM collections ORDER BY tenant`); err != nil {
		return nil, fmt.Errorf("sqlite: list tenants: %w", err)
	}
	return tenants, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}
