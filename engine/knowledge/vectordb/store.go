package vectordb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

// Config selects and configures the backend behind a Store.
type Config struct {
	Provider Provider
	DSN      string
	URL      string
	APIKey   string
	Path     string
	Table    string
	Timeout  time.Duration
	Breaker  BreakerConfig
	// Redis is reused by the redis provider instead of dialing a new client.
	Redis       redis.UniversalClient
	RedisPrefix string
	// Fs overrides the filesystem used by the filesystem provider.
	Fs afero.Fs
}

var (
	errMissingDSN  = errors.New("vectordb: pgvector requires a dsn")
	errMissingURL  = errors.New("vectordb: qdrant requires a url")
	errMissingPath = errors.New("vectordb: filesystem requires a path")
)

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: vectordb config is required", knowledge.ErrInvalidConfiguration)
	}
	var err error
	switch cfg.Provider {
	case "", ProviderMemory, ProviderRedis:
	case ProviderPGVector:
		if strings.TrimSpace(cfg.DSN) == "" {
			err = errMissingDSN
		}
	case ProviderQdrant:
		if strings.TrimSpace(cfg.URL) == "" {
			err = errMissingURL
		}
	case ProviderFilesystem:
		if strings.TrimSpace(cfg.Path) == "" {
			err = errMissingPath
		}
	default:
		err = fmt.Errorf("vectordb: provider %q is not supported", cfg.Provider)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", knowledge.ErrInvalidConfiguration, err)
	}
	return nil
}

// NewBackend instantiates the raw backend named by cfg.Provider.
func NewBackend(ctx context.Context, cfg *Config) (Backend, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderFilesystem:
		return NewFileBackend(cfg.Fs, cfg.Path)
	case ProviderRedis:
		client := cfg.Redis
		if client == nil {
			return nil, fmt.Errorf("%w: vectordb: redis provider requires a client", knowledge.ErrInvalidConfiguration)
		}
		return NewRedisBackend(client, cfg.RedisPrefix), nil
	case ProviderPGVector:
		return OpenPGBackend(ctx, cfg.DSN, cfg.Table)
	case ProviderQdrant:
		return NewQdrantBackend(cfg.URL, cfg.APIKey, cfg.Timeout), nil
	default:
		return NewMemoryBackend(), nil
	}
}

// Open builds a guarded Store for cfg, resolving tenants through catalog.
func Open(ctx context.Context, cfg *Config, catalog Catalog) (*Store, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderMemory
	}
	guarded := NewGuard(backend, provider, cfg.Timeout, cfg.Breaker)
	logger.FromContext(ctx).Debug("Vector store opened", "provider", provider)
	return NewStore(guarded, NewCollectionRegistry(catalog)), nil
}

// Store is the tenant-scoped vector store adapter. Every call resolves exactly
// one tenant collection; vectors of different model versions live in separate
// physical collections and are never searched together.
type Store struct {
	backend     Backend
	collections *CollectionRegistry
	mu          sync.RWMutex
	dims        map[string]int
}

func NewStore(backend Backend, collections *CollectionRegistry) *Store {
	if collections == nil {
		collections = NewCollectionRegistry(nil)
	}
	return &Store{backend: backend, collections: collections, dims: make(map[string]int)}
}

func (s *Store) Collections() *CollectionRegistry {
	return s.collections
}

func (s *Store) dimension(ctx context.Context, name string) (int, error) {
	s.mu.RLock()
	dim, ok := s.dims[name]
	s.mu.RUnlock()
	if ok {
		return dim, nil
	}
	dim, err := s.backend.Dimension(ctx, name)
	if err != nil || dim == 0 {
		return dim, err
	}
	s.mu.Lock()
	s.dims[name] = dim
	s.mu.Unlock()
	return dim, nil
}

func (s *Store) ensure(ctx context.Context, name string, dim int) error {
	s.mu.RLock()
	have, ok := s.dims[name]
	s.mu.RUnlock()
	if ok {
		return checkDimension(name, have, dim)
	}
	if err := s.backend.EnsureCollection(ctx, name, dim); err != nil {
		return err
	}
	s.mu.Lock()
	s.dims[name] = dim
	s.mu.Unlock()
	return nil
}

// Upsert writes records into the tenant collection of model version, creating
// it on first use. Records with an all-zero vector are skipped since they can
// never score above zero.
func (s *Store) Upsert(ctx context.Context, tenant string, version int64, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	dim := len(records[0].Vector)
	if dim == 0 {
		return fmt.Errorf("%w: empty vector for chunk %s", knowledge.ErrDimensionMismatch, records[0].ID)
	}
	kept := make([]Record, 0, len(records))
	for i := range records {
		if len(records[i].Vector) != dim {
			return fmt.Errorf(
				"%w: chunk %s has %d components, batch has %d",
				knowledge.ErrDimensionMismatch, records[i].ID, len(records[i].Vector), dim,
			)
		}
		if isZero(records[i].Vector) {
			continue
		}
		kept = append(kept, records[i])
	}
	collection, err := s.collections.Ensure(ctx, tenant)
	if err != nil {
		return err
	}
	name := PhysicalName(collection, version)
	if err := s.ensure(ctx, name, dim); err != nil {
		return err
	}
	if len(kept) == 0 {
		return nil
	}
	return s.backend.Upsert(ctx, name, kept)
}

// Search returns at most opts.TopK matches of the tenant collection of model
// version, ordered by score, then newest document, then chunk ID.
func (s *Store) Search(
	ctx context.Context,
	tenant string,
	version int64,
	query []float32,
	opts SearchOptions,
) ([]Match, error) {
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", knowledge.ErrInvalidConfiguration, opts.TopK)
	}
	collection, err := s.collections.Lookup(ctx, tenant)
	if err != nil {
		return nil, err
	}
	name := PhysicalName(collection, version)
	dim, err := s.dimension(ctx, name)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if err := checkDimension(name, dim, len(query)); err != nil {
		return nil, err
	}
	if isZero(query) {
		return nil, nil
	}
	// Remote backends cut at their own ordering; fetch extra rows so ties at the
	// boundary are resolved here.
	fetch := opts
	fetch.TopK = opts.TopK * 2
	matches, err := s.backend.Search(ctx, name, query, fetch)
	if err != nil {
		return nil, err
	}
	sortMatches(matches)
	if len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}
	return matches, nil
}

// Delete removes records of the tenant collection of model version. Unknown
// tenants have nothing to delete.
func (s *Store) Delete(ctx context.Context, tenant string, version int64, filter Filter) error {
	if filter.Empty() {
		return nil
	}
	collection, err := s.collections.Lookup(ctx, tenant)
	if errors.Is(err, knowledge.ErrUnknownTenant) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.backend.Delete(ctx, PhysicalName(collection, version), filter)
}

func (s *Store) DeleteChunk(ctx context.Context, tenant string, version int64, chunkID string) error {
	return s.Delete(ctx, tenant, version, Filter{IDs: []string{chunkID}})
}

// DropVersion removes the physical collection of one model version.
func (s *Store) DropVersion(ctx context.Context, tenant string, version int64) error {
	collection, err := s.collections.Lookup(ctx, tenant)
	if errors.Is(err, knowledge.ErrUnknownTenant) {
		return nil
	}
	if err != nil {
		return err
	}
	name := PhysicalName(collection, version)
	if err := s.backend.DropCollection(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()
	return nil
}

func (s *Store) Count(ctx context.Context, tenant string, version int64) (int, error) {
	collection, err := s.collections.Lookup(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return s.backend.Count(ctx, PhysicalName(collection, version))
}

func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
