package uc

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/chunk"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/docstore"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/extract"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/retriever"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectordb"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectorizer"
	"github.com/alanjhayes/skynet-rc1/pkg/config"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

// Runtime owns the stores and services built from one configuration.
type Runtime struct {
	Config    *config.Config
	Documents docstore.Store
	Vectors   *vectordb.Store
	Models    *vectorizer.Registry
	Retriever *retriever.Service
	Pipeline  *ingest.Pipeline
	redis     redis.UniversalClient
	ownsRedis bool
}

// RuntimeOption adjusts how NewRuntime builds its collaborators.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	redis redis.UniversalClient
	fs    afero.Fs
}

// WithRedisClient reuses client for every redis-backed store.
func WithRedisClient(client redis.UniversalClient) RuntimeOption {
	return func(o *runtimeOptions) { o.redis = client }
}

// WithFs sets the filesystem used by file-backed stores.
func WithFs(fs afero.Fs) RuntimeOption {
	return func(o *runtimeOptions) { o.fs = fs }
}

func usesRedis(cfg *config.Config) bool {
	return cfg.Store.Provider == string(vectordb.ProviderRedis) ||
		cfg.Documents.Provider == docstore.ProviderRedis ||
		cfg.Vectorizer.ModelStore == "redis"
}

func NewRuntime(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", knowledge.ErrInvalidConfiguration)
	}
	o := &runtimeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.fs == nil {
		o.fs = afero.NewOsFs()
	}
	rt := &Runtime{Config: cfg, redis: o.redis}
	defer func() {
		if err != nil {
			if cerr := rt.Close(ctx); cerr != nil {
				logger.FromContext(ctx).Warn("Failed to release partial runtime", "error", cerr)
			}
		}
	}()
	if rt.redis == nil && usesRedis(cfg) {
		rt.redis = vectordb.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		rt.ownsRedis = true
	}
	rt.Documents, err = docstore.Open(ctx, &docstore.Config{
		Provider: cfg.Documents.Provider,
		Path:     cfg.Documents.Path,
		Redis:    rt.redis,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	rt.Vectors, err = vectordb.Open(ctx, vectorStoreConfig(cfg, rt.redis, o.fs), rt.Documents)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	models, err := modelStore(cfg, rt.redis, o.fs)
	if err != nil {
		return nil, err
	}
	rt.Models = vectorizer.NewRegistry(models, vectorizer.Scope(cfg.Vectorizer.Scope), vectorizer.Options{
		MaxFeatures: cfg.Vectorizer.MaxFeatures,
		NgramMax:    cfg.Vectorizer.NgramMax,
		StopWords:   cfg.Vectorizer.StopWords,
	})
	var estimator retriever.TokenEstimator
	if cfg.Retrieval.TokenEncoding != "" {
		estimator, err = retriever.NewTiktokenEstimator(cfg.Retrieval.TokenEncoding)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", knowledge.ErrInvalidConfiguration, err)
		}
	}
	rt.Retriever, err = retriever.NewService(rt.Models, rt.Vectors, estimator, retrieverConfig(cfg))
	if err != nil {
		return nil, err
	}
	var cache *vectorizer.Cache
	if cfg.Vectorizer.CacheSize > 0 {
		if cache, err = vectorizer.NewCache(cfg.Vectorizer.CacheSize); err != nil {
			return nil, err
		}
	}
	rt.Pipeline, err = ingest.NewPipeline(ingest.Deps{
		Documents: rt.Documents,
		Models:    rt.Models,
		Vectors:   rt.Vectors,
		Extractor: extract.New(extract.DefaultMaxBytes),
		Cache:     cache,
	}, pipelineConfig(cfg))
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug(
		"Knowledge runtime ready",
		"store", cfg.Store.Provider,
		"documents", cfg.Documents.Provider,
		"model_store", cfg.Vectorizer.ModelStore,
		"scope", cfg.Vectorizer.Scope,
	)
	return rt, nil
}

func retryPolicy(cfg *config.Config) knowledge.RetryPolicy {
	return knowledge.RetryPolicy{
		MaxRetries: cfg.Ingestion.MaxRetries,
		Backoff:    cfg.Ingestion.RetryBackoff,
		MaxBackoff: cfg.Ingestion.MaxBackoff,
	}
}

func retrieverConfig(cfg *config.Config) retriever.Config {
	return retriever.Config{
		MaxResults:      cfg.Retrieval.MaxResults,
		MaxContextChars: cfg.Retrieval.MaxContextChars,
		MinScore:        cfg.Retrieval.MinScore,
		CacheSize:       cfg.Retrieval.CacheSize,
		Retry:           retryPolicy(cfg),
	}
}

func pipelineConfig(cfg *config.Config) ingest.Config {
	return ingest.Config{
		Chunking: chunk.Settings{
			Size:              cfg.Chunking.Size,
			Overlap:           cfg.Chunking.Overlap,
			NormalizeNewlines: true,
			PreferBoundaries:  true,
		},
		Retry:       retryPolicy(cfg),
		Concurrency: cfg.Ingestion.Concurrency,
		Timeout:     cfg.Ingestion.Timeout,
		AutoFit:     cfg.Vectorizer.AutoFit,
	}
}

// Apply hands the retrieval and ingestion settings of cfg to the running
// services. Other settings take effect on restart.
func (r *Runtime) Apply(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is required", knowledge.ErrInvalidConfiguration)
	}
	if err := r.Pipeline.Reconfigure(pipelineConfig(cfg)); err != nil {
		return fmt.Errorf("apply ingestion settings: %w", err)
	}
	r.Retriever.Reconfigure(retrieverConfig(cfg))
	logger.FromContext(ctx).Info(
		"Runtime settings applied",
		"chunk_size", cfg.Chunking.Size,
		"max_results", cfg.Retrieval.MaxResults,
		"min_score", cfg.Retrieval.MinScore,
	)
	return nil
}

func vectorStoreConfig(cfg *config.Config, client redis.UniversalClient, fs afero.Fs) *vectordb.Config {
	return &vectordb.Config{
		Provider: vectordb.Provider(cfg.Store.Provider),
		DSN:      cfg.Store.DSN,
		URL:      cfg.Store.URL,
		APIKey:   cfg.Store.APIKey,
		Path:     cfg.Store.Path,
		Table:    cfg.Store.Table,
		Timeout:  cfg.Store.Timeout,
		Breaker: vectordb.BreakerConfig{
			Enabled:                     cfg.Store.Breaker.Enabled,
			ErrorPercentThresholdToOpen: cfg.Store.Breaker.ErrorPercentThreshold,
			MinimumRequestToOpen:        cfg.Store.Breaker.MinimumRequests,
			WaitDurationInOpenState:     cfg.Store.Breaker.WaitDurationInOpenState,
		},
		Redis:       client,
		RedisPrefix: cfg.Redis.Prefix,
		Fs:          fs,
	}
}

func modelStore(cfg *config.Config, client redis.UniversalClient, fs afero.Fs) (vectorizer.ModelStore, error) {
	switch cfg.Vectorizer.ModelStore {
	case "", "memory":
		return vectorizer.NewMemoryStore(), nil
	case "filesystem":
		return vectorizer.NewFileStore(fs, cfg.Vectorizer.ModelDir)
	case "redis":
		return vectorizer.NewRedisStore(client, cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf(
			"%w: unknown model store %q",
			knowledge.ErrInvalidConfiguration,
			cfg.Vectorizer.ModelStore,
		)
	}
}

// Close releases every store the runtime opened.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Retriever != nil {
		r.Retriever.Close()
	}
	if r.Vectors != nil {
		if err := r.Vectors.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close vector store: %w", err))
		}
	}
	if r.Documents != nil {
		if err := r.Documents.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close document store: %w", err))
		}
	}
	if r.redis != nil && r.ownsRedis {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis client: %w", err))
		}
	}
	return errors.Join(errs...)
}
