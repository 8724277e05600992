package docstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectordb"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

const (
	ProviderMemory = "memory"
	ProviderRedis  = "redis"
	ProviderSQLite = "sqlite"
)

// Store persists document records, their chunks, and per-chunk indexing progress.
// Every record is scoped to a tenant. Stores also carry the tenant to collection
// catalog so one backend holds all ingestion state.
type Store interface {
	vectordb.Catalog
	// GetDocument returns knowledge.ErrDocumentNotFound when the document is absent.
	GetDocument(ctx context.Context, tenant, id string) (*knowledge.Document, error)
	PutDocument(ctx context.Context, doc *knowledge.Document) error
	// ListDocuments orders by creation time, then ID.
	ListDocuments(ctx context.Context, tenant string) ([]*knowledge.Document, error)
	// DeleteDocument removes the document with its chunks and progress.
	DeleteDocument(ctx context.Context, tenant, id string) error
	PutChunks(ctx context.Context, tenant string, chunks []knowledge.Chunk) error
	// Chunks returns every stored chunk of a document ordered by index, then ID.
	Chunks(ctx context.Context, tenant, documentID string) ([]knowledge.Chunk, error)
	DeleteChunks(ctx context.Context, tenant, documentID string, ids []string) error
	// MarkIndexed records that the given chunks have vectors under model version.
	MarkIndexed(ctx context.Context, tenant, documentID string, version int64, ids []string) error
	IndexedChunks(ctx context.Context, tenant, documentID string, version int64) (map[string]bool, error)
	// ClearProgress forgets indexing progress of every document of tenant under model version.
	ClearProgress(ctx context.Context, tenant string, version int64) error
	Close() error
}

type Config struct {
	Provider string
	Path     string
	Redis    redis.UniversalClient
	Prefix   string
}

// Open builds the document store named by cfg.Provider.
func Open(ctx context.Context, cfg *Config) (Store, error) {
	log := logger.FromContext(ctx)
	switch cfg.Provider {
	case "", ProviderMemory:
		return NewMemoryStore(), nil
	case ProviderRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("%w: redis document store requires a client", knowledge.ErrInvalidConfiguration)
		}
		return NewRedisStore(cfg.Redis, cfg.Prefix), nil
	case ProviderSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: sqlite document store requires a path", knowledge.ErrInvalidConfiguration)
		}
		store, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Debug("Opened sqlite document store", "path", cfg.Path)
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown document store %q", knowledge.ErrInvalidConfiguration, cfg.Provider)
	}
}

func sortDocuments(docs []*knowledge.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

func sortChunks(chunks []knowledge.Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Index != chunks[j].Index {
			return chunks[i].Index < chunks[j].Index
		}
		return chunks[i].ID < chunks[j].ID
	})
}

func validDocument(doc *knowledge.Document) error {
	if doc == nil || doc.ID == "" || doc.Tenant == "" {
		return fmt.Errorf("%w: document requires an id and a tenant", knowledge.ErrInvalidConfiguration)
	}
	return nil
}

func notFound(tenant, id string) error {
	return fmt.Errorf("%w: %s/%s", knowledge.ErrDocumentNotFound, tenant, id)
}
