package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/chunk"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/docstore"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/extract"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectordb"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectorizer"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

// VectorStore is the part of the vector store ingestion writes to.
type VectorStore interface {
	Upsert(ctx context.Context, tenant string, version int64, records []vectordb.Record) error
	Delete(ctx context.Context, tenant string, version int64, filter vectordb.Filter) error
	DropVersion(ctx context.Context, tenant string, version int64) error
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Documents docstore.Store
	Models    *vectorizer.Registry
	Vectors   VectorStore
	Extractor *extract.Extractor
	Cache     *vectorizer.Cache
}

// Pipeline moves documents through pending, chunked, embedded, and indexed.
// Runs for the same document are serialized; runs for different documents
// proceed in parallel.
type Pipeline struct {
	docs      docstore.Store
	models    *vectorizer.Registry
	vectors   VectorStore
	extractor *extract.Extractor
	cache     *vectorizer.Cache
	settings  atomic.Pointer[settings]
	locks     *keyedMutex
	refits    *keyedMutex
	tracer    trace.Tracer
	now       func() time.Time
}

func NewPipeline(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Documents == nil {
		return nil, errors.New("ingest: document store is required")
	}
	if deps.Models == nil {
		return nil, errors.New("ingest: model registry is required")
	}
	if deps.Vectors == nil {
		return nil, errors.New("ingest: vector store is required")
	}
	st, err := newSettings(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(extract.DefaultMaxBytes)
	}
	p := &Pipeline{
		docs:      deps.Documents,
		models:    deps.Models,
		vectors:   deps.Vectors,
		extractor: deps.Extractor,
		cache:     deps.Cache,
		locks:     newKeyedMutex(),
		refits:    newKeyedMutex(),
		tracer:    otel.Tracer("skynet.knowledge.ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	p.settings.Store(st)
	return p, nil
}

// settings is the configuration one run reads from start to finish.
type settings struct {
	cfg     Config
	chunker *chunk.Processor
}

func newSettings(cfg Config) (*settings, error) {
	cfg.normalize()
	chunker, err := chunk.NewProcessor(cfg.Chunking)
	if err != nil {
		return nil, err
	}
	return &settings{cfg: cfg, chunker: chunker}, nil
}

// Reconfigure swaps the settings used by runs that start afterwards. Runs in
// flight finish with the settings they started with. An invalid cfg leaves
// the current settings in place.
func (p *Pipeline) Reconfigure(cfg Config) error {
	st, err := newSettings(cfg)
	if err != nil {
		return err
	}
	p.settings.Store(st)
	return nil
}

// Config returns the settings new runs use.
func (p *Pipeline) Config() Config {
	return p.settings.Load().cfg
}

func validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: ingest request is required", knowledge.ErrInvalidConfiguration)
	}
	if strings.TrimSpace(req.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", knowledge.ErrInvalidConfiguration)
	}
	return nil
}

// Ingest runs one document to indexed or failed. Re-submitting identical
// content of an indexed document is a no-op. Re-submitting changed content
// indexes the new chunks before the previous ones are deleted. A run that
// stopped early resumes from the first chunk without a vector.
func (p *Pipeline) Ingest(ctx context.Context, req *Request) (res *Result, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	id := req.DocumentID
	if id == "" {
		id = knowledge.NewDocumentID()
	}
	st := p.settings.Load()
	if st.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "skynet.knowledge.ingest", trace.WithAttributes(
		attribute.String("tenant", req.Tenant),
		attribute.String("document_id", id),
	))
	defer p.finish(ctx, req.Tenant, span, start, &res, &err)

	unlock := p.locks.Lock(documentKey(req.Tenant, id))
	defer unlock()

	doc, err := p.docs.GetDocument(ctx, req.Tenant, id)
	switch {
	case errors.Is(err, knowledge.ErrDocumentNotFound):
		now := p.now()
		doc = &knowledge.Document{
			ID:        id,
			Tenant:    req.Tenant,
			Title:     req.Title,
			Status:    knowledge.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	case err != nil:
		return nil, err
	}
	text, mimeType, err := p.resolveText(ctx, req)
	if err != nil {
		if doc.Status == knowledge.StatusIndexed {
			return &Result{Document: doc}, fmt.Errorf("ingest: document %s: %w", doc.ID, err)
		}
		return p.fail(ctx, doc, err)
	}
	prepared := st.chunker.Prepare(text)
	hash := chunk.HashContent(prepared)
	if doc.ContentHash == hash && doc.Status == knowledge.StatusIndexed {
		logger.FromContext(ctx).Debug("Document content unchanged", "tenant", doc.Tenant, "document_id", id)
		return &Result{Document: doc, Unchanged: true, Chunks: doc.ChunkCount}, nil
	}
	return p.run(ctx, st.chunker, doc, req, prepared, hash, mimeType)
}

func (p *Pipeline) resolveText(ctx context.Context, req *Request) (string, string, error) {
	if req.Data == nil {
		mimeType := req.MIMEType
		if mimeType == "" {
			mimeType = extract.MIMEPlain
		}
		return req.Text, mimeType, nil
	}
	out, err := p.extractor.Extract(ctx, req.Data, req.MIMEType)
	if err != nil {
		return "", "", err
	}
	return out.Text, out.MIMEType, nil
}

func (p *Pipeline) run(
	ctx context.Context,
	chunker *chunk.Processor,
	doc *knowledge.Document,
	req *Request,
	prepared, hash, mimeType string,
) (*Result, error) {
	log := logger.FromContext(ctx).With("tenant", doc.Tenant, "document_id", doc.ID)
	doc.Attempts++
	chunks := chunker.Process(chunk.Document{ID: doc.ID, Version: hash, Text: prepared})
	stored, err := p.docs.Chunks(ctx, doc.Tenant, doc.ID)
	if err != nil {
		return p.fail(ctx, doc, err)
	}
	doc.SupersededChunks = supersededIDs(doc.SupersededChunks, stored, chunks)
	if req.Title != "" {
		doc.Title = req.Title
	}
	if doc.ContentHash != hash {
		// New content restarts the state machine.
		doc.Status = knowledge.StatusPending
		doc.ContentHash = hash
		doc.MIMEType = mimeType
		doc.Length = utf8.RuneCountInString(prepared)
		doc.ChunkCount = len(chunks)
		doc.LastError = ""
		doc.UpdatedAt = p.now()
		if err := p.save(ctx, doc); err != nil {
			return p.fail(ctx, doc, err)
		}
		log.Debug("Document content changed", "chunks", len(chunks), "superseded", len(doc.SupersededChunks))
	}
	if err := p.retry(ctx, func(ctx context.Context) error {
		return p.docs.PutChunks(ctx, doc.Tenant, chunks)
	}); err != nil {
		return p.fail(ctx, doc, err)
	}
	if doc.Status != knowledge.StatusEmbedded {
		if err := p.advance(ctx, doc, knowledge.StatusChunked); err != nil {
			return p.fail(ctx, doc, err)
		}
	}
	result := &Result{Document: doc, Chunks: len(chunks)}
	previous := doc.ModelVersion
	if len(chunks) > 0 {
		embedded, err := p.embedAll(ctx, doc, chunks)
		result.Embedded = embedded
		if err != nil {
			return p.fail(ctx, doc, err)
		}
	}
	if err := p.advance(ctx, doc, knowledge.StatusEmbedded); err != nil {
		return p.fail(ctx, doc, err)
	}
	removed, err := p.removeSuperseded(ctx, doc, previous)
	if err != nil {
		return p.fail(ctx, doc, err)
	}
	result.Removed = removed
	doc.SupersededChunks = nil
	if err := p.advance(ctx, doc, knowledge.StatusIndexed); err != nil {
		return p.fail(ctx, doc, err)
	}
	return result, nil
}

// embedAll writes vectors for every chunk still missing one under the active
// model. If a refit activates another version meanwhile, the chunks are
// embedded again under that version before the document counts as embedded.
func (p *Pipeline) embedAll(ctx context.Context, doc *knowledge.Document, chunks []knowledge.Chunk) (int, error) {
	model, err := p.activeModel(ctx, doc.Tenant, chunks)
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		n, err := p.embed(ctx, doc, model, chunks)
		total += n
		if err != nil {
			return total, err
		}
		doc.ModelVersion = model.Version
		current, err := p.models.Active(ctx, doc.Tenant)
		if err != nil {
			return total, err
		}
		if current.Version == model.Version {
			return total, nil
		}
		logger.FromContext(ctx).Info(
			"Vectorizer model changed during ingestion",
			"document_id", doc.ID,
			"from_version", model.Version,
			"to_version", current.Version,
		)
		model = current
	}
}

func (p *Pipeline) activeModel(
	ctx context.Context,
	tenant string,
	chunks []knowledge.Chunk,
) (*vectorizer.Model, error) {
	model, err := p.models.Active(ctx, tenant)
	if err == nil || !errors.Is(err, knowledge.ErrModelNotFound) || !p.Config().AutoFit {
		return model, err
	}
	corpus, err := Corpus(ctx, p.docs, p.tenantsSharing(ctx, tenant))
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		corpus = append(corpus, chunks[i].Text)
	}
	logger.FromContext(ctx).Info("Fitting first vectorizer model", "tenant", tenant, "corpus_size", len(corpus))
	return p.models.Bootstrap(ctx, tenant, corpus)
}

func (p *Pipeline) tenantsSharing(ctx context.Context, tenant string) []string {
	if p.models.Key(tenant) == tenant {
		return []string{tenant}
	}
	tenants, err := p.docs.Tenants(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to list tenants for corpus", "error", err)
		return []string{tenant}
	}
	for _, t := range tenants {
		if t == tenant {
			return tenants
		}
	}
	return append(tenants, tenant)
}

// embed fans batches of chunks without vectors under model out to a bounded
// set of workers and records progress per batch.
func (p *Pipeline) embed(
	ctx context.Context,
	doc *knowledge.Document,
	model *vectorizer.Model,
	chunks []knowledge.Chunk,
) (int, error) {
	done, err := p.docs.IndexedChunks(ctx, doc.Tenant, doc.ID, model.Version)
	if err != nil {
		return 0, err
	}
	pending := make([]knowledge.Chunk, 0, len(chunks))
	for i := range chunks {
		if !done[chunks[i].ID] {
			pending = append(pending, chunks[i])
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}
	emb := vectorizer.NewEmbedder(model, p.cache)
	g, gctx := errgroup.WithContext(ctx)
	cfg := p.Config()
	g.SetLimit(cfg.Concurrency)
	var written atomic.Int64
	for start := 0; start < len(pending); start += cfg.BatchSize {
		batch := pending[start:min(start+cfg.BatchSize, len(pending))]
		g.Go(func() error {
			if err := p.embedBatch(gctx, doc, model.Version, emb, batch); err != nil {
				return err
			}
			written.Add(int64(len(batch)))
			return nil
		})
	}
	err = g.Wait()
	return int(written.Load()), err
}

func (p *Pipeline) embedBatch(
	ctx context.Context,
	doc *knowledge.Document,
	version int64,
	emb *vectorizer.Embedder,
	batch []knowledge.Chunk,
) error {
	texts := make([]string, len(batch))
	ids := make([]string, len(batch))
	for i := range batch {
		texts[i] = batch[i].Text
		ids[i] = batch[i].ID
	}
	vectors, err := emb.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	records := make([]vectordb.Record, len(batch))
	for i := range batch {
		records[i] = vectordb.Record{
			ID:         batch[i].ID,
			DocumentID: doc.ID,
			Title:      doc.Title,
			Index:      batch[i].Index,
			Text:       batch[i].Text,
			CreatedAt:  doc.CreatedAt,
			Vector:     vectors[i],
		}
	}
	if err := p.retry(ctx, func(ctx context.Context) error {
		return p.vectors.Upsert(ctx, doc.Tenant, version, records)
	}); err != nil {
		return err
	}
	return p.retry(ctx, func(ctx context.Context) error {
		return p.docs.MarkIndexed(ctx, doc.Tenant, doc.ID, version, ids)
	})
}

// removeSuperseded deletes chunks of earlier content from the vector store and
// the document store. Vectors may live under the previous model version too.
func (p *Pipeline) removeSuperseded(ctx context.Context, doc *knowledge.Document, previous int64) (int, error) {
	ids := doc.SupersededChunks
	if len(ids) == 0 {
		return 0, nil
	}
	versions := []int64{doc.ModelVersion}
	if previous != 0 && previous != doc.ModelVersion {
		versions = append(versions, previous)
	}
	for _, version := range versions {
		if version == 0 {
			continue
		}
		if err := p.retry(ctx, func(ctx context.Context) error {
			return p.vectors.Delete(ctx, doc.Tenant, version, vectordb.Filter{IDs: ids})
		}); err != nil {
			return 0, err
		}
	}
	if err := p.retry(ctx, func(ctx context.Context) error {
		return p.docs.DeleteChunks(ctx, doc.Tenant, doc.ID, ids)
	}); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Delete removes a document with its chunks and vectors.
func (p *Pipeline) Delete(ctx context.Context, tenant, id string) error {
	unlock := p.locks.Lock(documentKey(tenant, id))
	defer unlock()
	doc, err := p.docs.GetDocument(ctx, tenant, id)
	if err != nil {
		return err
	}
	versions := []int64{doc.ModelVersion}
	if model, err := p.models.Active(ctx, tenant); err == nil && model.Version != doc.ModelVersion {
		versions = append(versions, model.Version)
	}
	for _, version := range versions {
		if version == 0 {
			continue
		}
		if err := p.retry(ctx, func(ctx context.Context) error {
			return p.vectors.Delete(ctx, tenant, version, vectordb.Filter{DocumentID: id})
		}); err != nil {
			return err
		}
	}
	if err := p.docs.DeleteDocument(ctx, tenant, id); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("Document deleted", "tenant", tenant, "document_id", id)
	return nil
}

func (p *Pipeline) advance(ctx context.Context, doc *knowledge.Document, next knowledge.Status) error {
	if err := doc.Transition(next, p.now()); err != nil {
		return err
	}
	return p.save(ctx, doc)
}

func (p *Pipeline) save(ctx context.Context, doc *knowledge.Document) error {
	return p.retry(ctx, func(ctx context.Context) error {
		return p.docs.PutDocument(ctx, doc)
	})
}

func (p *Pipeline) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.Config().Retry.Do(ctx, fn)
}

// fail records err on the document. A canceled run keeps its status so a
// later run resumes where it stopped.
func (p *Pipeline) fail(ctx context.Context, doc *knowledge.Document, err error) (*Result, error) {
	saveCtx := context.WithoutCancel(ctx)
	if errors.Is(err, context.Canceled) {
		if doc.ContentHash != "" {
			if serr := p.save(saveCtx, doc); serr != nil {
				logger.FromContext(ctx).Warn("Failed to persist canceled document", "error", serr)
			}
		}
		return &Result{Document: doc}, err
	}
	doc.Fail(err, p.now())
	if serr := p.save(saveCtx, doc); serr != nil {
		logger.FromContext(ctx).Error("Failed to persist document failure", "document_id", doc.ID, "error", serr)
	}
	return &Result{Document: doc}, fmt.Errorf("ingest: document %s: %w", doc.ID, err)
}

func (p *Pipeline) finish(
	ctx context.Context,
	tenant string,
	span trace.Span,
	start time.Time,
	res **Result,
	runErr *error,
) {
	duration := time.Since(start)
	knowledge.RecordIngestDuration(ctx, tenant, duration)
	log := logger.FromContext(ctx).With("tenant", tenant)
	var doc *knowledge.Document
	if *res != nil {
		doc = (*res).Document
		knowledge.RecordIngestChunks(ctx, tenant, (*res).Embedded)
	}
	if doc != nil {
		knowledge.RecordIngestOutcome(ctx, tenant, doc.Status)
		span.SetAttributes(attribute.String("status", string(doc.Status)))
	}
	if *runErr != nil {
		log.Error("Document ingestion failed", "error", *runErr, "duration", duration)
		span.RecordError(*runErr)
		span.SetStatus(codes.Error, (*runErr).Error())
		span.End()
		return
	}
	r := *res
	log.Info(
		"Document ingestion finished",
		"document_id", r.Document.ID,
		"status", r.Document.Status,
		"chunks", r.Chunks,
		"embedded", r.Embedded,
		"removed", r.Removed,
		"unchanged", r.Unchanged,
		"duration", duration,
	)
	span.End()
}

// supersededIDs returns the stored and previously superseded chunk IDs that
// do not belong to the current chunks, sorted.
func supersededIDs(previous []string, stored, current []knowledge.Chunk) []string {
	keep := make(map[string]struct{}, len(current))
	for i := range current {
		keep[current[i].ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(previous)+len(stored))
	out := make([]string, 0, len(previous)+len(stored))
	add := func(id string) {
		if _, ok := keep[id]; ok {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range previous {
		add(id)
	}
	for i := range stored {
		add(stored[i].ID)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
