package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectordb"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectorizer"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

const (
	DefaultMaxResults      = 5
	DefaultMaxContextChars = 4000
)

// ModelSource yields the active vectorizer snapshot of a tenant.
type ModelSource interface {
	Active(ctx context.Context, tenant string) (*vectorizer.Model, error)
}

// Searcher runs similarity search against one model version of a tenant collection.
type Searcher interface {
	Search(
		ctx context.Context,
		tenant string,
		version int64,
		query []float32,
		opts vectordb.SearchOptions,
	) ([]vectordb.Match, error)
}

type Config struct {
	MaxResults      int
	MaxContextChars int
	MinScore        float64
	CacheSize       int
	Retry           knowledge.RetryPolicy
}

// Request describes one retrieval. Zero values fall back to the service configuration.
type Request struct {
	Tenant          string
	Query           string
	MaxResults      int
	MaxContextChars int
	MinScore        *float64
	Filters         map[string]string
}

type Service struct {
	models    ModelSource
	store     Searcher
	estimator TokenEstimator
	cache     *ristretto.Cache[string, []float32]
	cfg       atomic.Pointer[Config]
	tracer    trace.Tracer
}

func NewService(models ModelSource, store Searcher, estimator TokenEstimator, cfg Config) (*Service, error) {
	if models == nil {
		return nil, errors.New("retriever: model source is required")
	}
	if store == nil {
		return nil, errors.New("retriever: vector store is required")
	}
	if estimator == nil {
		estimator = runeEstimator{}
	}
	s := &Service{
		models:    models,
		store:     store,
		estimator: estimator,
		tracer:    otel.Tracer("skynet.knowledge.retriever"),
	}
	s.Reconfigure(cfg)
	if cfg.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
			NumCounters: int64(cfg.CacheSize) * 10,
			MaxCost:     int64(cfg.CacheSize),
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("retriever: create query cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Reconfigure swaps the limits and retry policy used by later retrievals.
// The query cache keeps the size it was created with.
func (s *Service) Reconfigure(cfg Config) {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}
	s.cfg.Store(&cfg)
}

// Config returns the settings later retrievals use.
func (s *Service) Config() Config {
	return *s.cfg.Load()
}

func (s *Service) resolve(req *Request) (maxResults, maxChars int, minScore float64) {
	cfg := s.cfg.Load()
	maxResults, maxChars, minScore = cfg.MaxResults, cfg.MaxContextChars, cfg.MinScore
	if req.MaxResults > 0 {
		maxResults = req.MaxResults
	}
	if req.MaxContextChars > 0 {
		maxChars = req.MaxContextChars
	}
	if req.MinScore != nil {
		minScore = *req.MinScore
	}
	return maxResults, maxChars, minScore
}

func validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: retrieval request is required", knowledge.ErrInvalidConfiguration)
	}
	if strings.TrimSpace(req.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", knowledge.ErrInvalidConfiguration)
	}
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("%w: query is required", knowledge.ErrInvalidConfiguration)
	}
	if req.MinScore != nil && (*req.MinScore < 0 || *req.MinScore > 1) {
		return fmt.Errorf("%w: min_score must be within [0, 1]", knowledge.ErrInvalidConfiguration)
	}
	return nil
}

// Search ranks the tenant's chunks against query and drops matches that do not
// clear the minimum score. Scores of zero never qualify. A query whose model
// snapshot was replaced and dropped by a refit while it ran is answered once
// more from the snapshot now active.
func (s *Service) Search(ctx context.Context, req *Request) (*knowledge.RetrievalResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	maxResults, _, minScore := s.resolve(req)
	model, err := s.models.Active(ctx, req.Tenant)
	if errors.Is(err, knowledge.ErrModelNotFound) {
		logger.FromContext(ctx).Debug("No vectorizer model for tenant", "tenant", req.Tenant)
		return &knowledge.RetrievalResult{Tenant: req.Tenant}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", knowledge.ErrRetrievalUnavailable, err)
	}
	for attempt := 0; ; attempt++ {
		var matches []vectordb.Match
		vector := s.embedQuery(ctx, model, req.Query)
		if !vectorizer.IsZero(vector) {
			matches, err = s.search(ctx, req, model.Version, vector, maxResults)
			if err != nil {
				return nil, err
			}
		}
		if len(matches) > 0 || attempt >= snapshotRetries {
			return collect(req.Tenant, model.Version, matches, minScore), nil
		}
		current, err := s.models.Active(ctx, req.Tenant)
		if err != nil || current.Version == model.Version {
			return collect(req.Tenant, model.Version, nil, minScore), nil
		}
		logger.FromContext(ctx).Debug(
			"Vectorizer version changed during retrieval",
			"tenant", req.Tenant,
			"from_version", model.Version,
			"to_version", current.Version,
		)
		model = current
	}
}

// snapshotRetries bounds how often Search follows a newer model version.
const snapshotRetries = 1

func collect(tenant string, version int64, matches []vectordb.Match, minScore float64) *knowledge.RetrievalResult {
	result := &knowledge.RetrievalResult{Tenant: tenant, ModelVersion: version}
	for i := range matches {
		m := &matches[i]
		if m.Score <= 0 || m.Score < minScore {
			continue
		}
		result.Matches = append(result.Matches, knowledge.ScoredChunk{
			ChunkID:    m.ID,
			DocumentID: m.DocumentID,
			Title:      m.Title,
			Index:      m.Index,
			Text:       m.Text,
			Score:      m.Score,
			CreatedAt:  m.CreatedAt,
		})
	}
	return result
}

// Retrieve assembles the chat context of one query. A context with no entries
// means nothing relevant was found; store failures return
// knowledge.ErrRetrievalUnavailable instead.
func (s *Service) Retrieve(ctx context.Context, req *Request) (chatCtx *knowledge.ChatContext, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "skynet.knowledge.retriever.retrieve", trace.WithAttributes(
		attribute.String("tenant", req.Tenant),
	))
	defer s.finishRetrieve(ctx, req.Tenant, span, start, &chatCtx, &err)
	logger.FromContext(ctx).Debug("Knowledge retrieval started", "tenant", req.Tenant, "query_length", len(req.Query))

	result, err := s.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	_, maxChars, _ := s.resolve(req)
	chatCtx = s.assemble(ctx, req, result, maxChars)
	return chatCtx, nil
}

func (s *Service) embedQuery(ctx context.Context, model *vectorizer.Model, query string) []float32 {
	_, span := s.tracer.Start(ctx, "skynet.knowledge.retriever.embed_query", trace.WithAttributes(
		attribute.Int64("model_version", model.Version),
		attribute.Int("dimension", model.Dimension),
	))
	defer span.End()
	if s.cache == nil {
		return model.Transform(query)
	}
	key := model.Fingerprint + "\x00" + query
	if vec, ok := s.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return vec
	}
	vec := model.Transform(query)
	s.cache.Set(key, vec, 1)
	return vec
}

func (s *Service) search(
	ctx context.Context,
	req *Request,
	version int64,
	vector []float32,
	topK int,
) ([]vectordb.Match, error) {
	spanCtx, span := s.tracer.Start(ctx, "skynet.knowledge.retriever.vector_search", trace.WithAttributes(
		attribute.Int64("model_version", version),
		attribute.Int("top_k", topK),
	))
	defer span.End()
	opts := vectordb.SearchOptions{TopK: topK, Filters: req.Filters}
	var matches []vectordb.Match
	err := s.cfg.Load().Retry.Do(spanCtx, func(ctx context.Context) error {
		var err error
		matches, err = s.store.Search(ctx, req.Tenant, version, vector, opts)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if knowledge.IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", knowledge.ErrRetrievalUnavailable, err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// assemble appends ranked matches until the next one would overflow maxChars.
// A first match longer than maxChars is kept as the only entry.
func (s *Service) assemble(
	ctx context.Context,
	req *Request,
	result *knowledge.RetrievalResult,
	maxChars int,
) *knowledge.ChatContext {
	chatCtx := &knowledge.ChatContext{
		Tenant:       req.Tenant,
		Query:        req.Query,
		ModelVersion: result.ModelVersion,
		Entries:      []knowledge.ContextEntry{},
	}
	for i := range result.Matches {
		m := &result.Matches[i]
		size := utf8.RuneCountInString(m.Text)
		if len(chatCtx.Entries) > 0 && chatCtx.TotalChars+size > maxChars {
			break
		}
		chatCtx.Entries = append(chatCtx.Entries, knowledge.ContextEntry{
			ChunkID:    m.ChunkID,
			DocumentID: m.DocumentID,
			Title:      m.Title,
			Text:       m.Text,
			Score:      m.Score,
			Tokens:     s.estimator.EstimateTokens(ctx, m.Text),
		})
		chatCtx.TotalChars += size
		if chatCtx.TotalChars >= maxChars {
			break
		}
	}
	return chatCtx
}

func (s *Service) finishRetrieve(
	ctx context.Context,
	tenant string,
	span trace.Span,
	start time.Time,
	chatCtx **knowledge.ChatContext,
	runErr *error,
) {
	duration := time.Since(start)
	knowledge.RecordQueryLatency(ctx, tenant, duration)
	log := logger.FromContext(ctx).With("tenant", tenant)
	if runErr != nil && *runErr != nil {
		err := *runErr
		log.Error("Knowledge retrieval failed", "error", err, "duration", duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	total := 0
	if *chatCtx != nil {
		total = len((*chatCtx).Entries)
	}
	if total == 0 {
		knowledge.RecordRetrievalEmpty(ctx, tenant)
	}
	log.Info("Knowledge retrieval finished", "results", total, "duration", duration)
	span.SetAttributes(attribute.Int("results", total))
	span.End()
}
