package vectordb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

const pgDefaultTable = "knowledge_chunks"

// DB is the subset of pgxpool.Pool used by PGBackend.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGBackend keeps every collection in one pgvector table keyed by (collection, id).
// The vector column is untyped; a catalog table pins the dimension of each collection.
type PGBackend struct {
	db          DB
	table       string
	collections string
	closer      func()
}

type pgMatch struct {
	ID         string    `db:"id"`
	DocumentID string    `db:"document_id"`
	Title      string    `db:"title"`
	Idx        int       `db:"idx"`
	Text       string    `db:"text"`
	CreatedAt  time.Time `db:"created_at"`
	Score      float64   `db:"score"`
}

func NewPGBackend(db DB, table string) *PGBackend {
	if table == "" {
		table = pgDefaultTable
	}
	return &PGBackend{
		db:          db,
		table:       pgx.Identifier{table}.Sanitize(),
		collections: pgx.Identifier{table + "_collections"}.Sanitize(),
	}
}

// OpenPGBackend connects to dsn and creates the schema when missing.
func OpenPGBackend(ctx context.Context, dsn, table string) (*PGBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: connect: %w", err)
	}
	backend := NewPGBackend(pool, table)
	backend.closer = pool.Close
	if err := backend.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return backend, nil
}

func psql() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (p *PGBackend) Migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		dimension INTEGER NOT NULL
	)`, p.collections),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		idx INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		embedding vector NOT NULL,
		PRIMARY KEY (collection, id)
	)`, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector: migrate: %w", err)
		}
	}
	return nil
}

func (p *PGBackend) EnsureCollection(ctx context.Context, name string, dim int) error {
	query, args, err := psql().Insert(p.collections).
		Columns("name", "dimension").
		Values(name, dim).
		Suffix("ON CONFLICT (name) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("pgvector: build ensure query: %w", err)
	}
	if _, err := p.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("pgvector: ensure collection %s: %w", name, err)
	}
	have, err := p.Dimension(ctx, name)
	if err != nil {
		return err
	}
	return checkDimension(name, have, dim)
}

func (p *PGBackend) Dimension(ctx context.Context, name string) (int, error) {
	query, args, err := psql().Select("dimension").From(p.collections).Where(squirrel.Eq{"name": name}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("pgvector: build dimension query: %w", err)
	}
	var dim int
	if err := p.db.QueryRow(ctx, query, args...).Scan(&dim); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("pgvector: read dimension of %s: %w", name, err)
	}
	return dim, nil
}

func (p *PGBackend) Upsert(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	dim, err := p.Dimension(ctx, name)
	if err != nil {
		return err
	}
	if dim == 0 {
		return fmt.Errorf("pgvector: collection %s does not exist", name)
	}
	ib := psql().Insert(p.table).
		Columns("collection", "id", "document_id", "title", "idx", "text", "created_at", "embedding")
	for i := range records {
		rec := records[i]
		if err := checkDimension(name, dim, len(rec.Vector)); err != nil {
			return err
		}
		ib = ib.Values(
			name, rec.ID, rec.DocumentID, rec.Title, rec.Index, rec.Text, rec.CreatedAt.UTC(),
			pgvector.NewVector(rec.Vector),
		)
	}
	query, args, err := ib.Suffix(`ON CONFLICT (collection, id) DO UPDATE SET
    document_id = excluded.document_id,
    title = excluded.title,
    idx = excluded.idx,
    text = excluded.text,
    created_at = excluded.created_at,
    embedding = excluded.embedding`).ToSql()
	if err != nil {
		return fmt.Errorf("pgvector: build upsert: %w", err)
	}
	if _, err := p.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("pgvector: upsert into %s: %w", name, err)
	}
	return nil
}

func (p *PGBackend) Search(ctx context.Context, name string, query []float32, opts SearchOptions) ([]Match, error) {
	dim, err := p.Dimension(ctx, name)
	if err != nil || dim == 0 {
		return nil, err
	}
	if err := checkDimension(name, dim, len(query)); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(query)
	sb := psql().
		Select("id", "document_id", "title", "idx", "text", "created_at").
		Column(squirrel.Expr("1 - (embedding <=> ?) AS score", vec)).
		From(p.table).
		Where(squirrel.Eq{"collection": name})
	for _, key := range sortedKeys(opts.Filters) {
		switch key {
		case FieldDocumentID, FieldTitle:
			sb = sb.Where(squirrel.Eq{key: opts.Filters[key]})
		default:
			return nil, fmt.Errorf("pgvector: unsupported filter %q", key)
		}
	}
	sb = sb.OrderByClause("embedding <=> ? ASC", vec).
		OrderBy("created_at DESC", "id ASC").
		Limit(uint64(max(opts.TopK, 1)))
	sqlText, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("pgvector: build search: %w", err)
	}
	var rows []pgMatch
	if err := pgxscan.Select(ctx, p.db, &rows, sqlText, args...); err != nil {
		return nil, fmt.Errorf("pgvector: search %s: %w", name, err)
	}
	matches := make([]Match, 0, len(rows))
	for i := range rows {
		row := rows[i]
		matches = append(matches, Match{
			Record: Record{
				ID:         row.ID,
				DocumentID: row.DocumentID,
				Title:      row.Title,
				Index:      row.Idx,
				Text:       row.Text,
				CreatedAt:  row.CreatedAt,
			},
			Score: row.Score,
		})
	}
	sortMatches(matches)
	return matches, nil
}

func (p *PGBackend) Delete(ctx context.Context, name string, filter Filter) error {
	if filter.Empty() {
		return nil
	}
	match := squirrel.Or{}
	if len(filter.IDs) > 0 {
		match = append(match, squirrel.Eq{"id": filter.IDs})
	}
	if filter.DocumentID != "" {
		match = append(match, squirrel.Eq{"document_id": filter.DocumentID})
	}
	query, args, err := psql().Delete(p.table).
		Where(squirrel.Eq{"collection": name}).
		Where(match).
		ToSql()
	if err != nil {
		return fmt.Errorf("pgvector: build delete: %w", err)
	}
	if _, err := p.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("pgvector: delete from %s: %w", name, err)
	}
	return nil
}

func (p *PGBackend) Count(ctx context.Context, name string) (int, error) {
	query, args, err := psql().Select("COUNT(*)").From(p.table).Where(squirrel.Eq{"collection": name}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("pgvector: build count: %w", err)
	}
	var n int
	if err := p.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgvector: count %s: %w", name, err)
	}
	return n, nil
}

func (p *PGBackend) DropCollection(ctx context.Context, name string) error {
	for _, table := range []string{p.table, p.collections} {
		column := "collection"
		if table == p.collections {
			column = "name"
		}
		query, args, err := psql().Delete(table).Where(squirrel.Eq{column: name}).ToSql()
		if err != nil {
			return fmt.Errorf("pgvector: build drop: %w", err)
		}
		if _, err := p.db.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("pgvector: drop collection %s: %w", name, err)
		}
	}
	return nil
}

func (p *PGBackend) Close(context.Context) error {
	if p.closer != nil {
		p.closer()
	}
	return nil
}
