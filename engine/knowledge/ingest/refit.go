package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/docstore"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/vectorizer"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

// RefitResult reports one vectorizer refit.
type RefitResult struct {
	ModelKey        string
	PreviousVersion int64
	Version         int64
	Dimension       int
	Documents       int
	Embedded        int
}

// Corpus collects the current chunk texts of every indexed document of tenants.
func Corpus(ctx context.Context, docs docstore.Store, tenants []string) ([]string, error) {
	var corpus []string
	for _, tenant := range tenants {
		list, err := docs.ListDocuments(ctx, tenant)
		if err != nil {
			return nil, err
		}
		for _, doc := range list {
			if doc.Status != knowledge.StatusIndexed {
				continue
			}
			chunks, err := currentChunks(ctx, docs, doc)
			if err != nil {
				return nil, err
			}
			for i := range chunks {
				corpus = append(corpus, chunks[i].Text)
			}
		}
	}
	return corpus, nil
}

func currentChunks(ctx context.Context, docs docstore.Store, doc *knowledge.Document) ([]knowledge.Chunk, error) {
	stored, err := docs.Chunks(ctx, doc.Tenant, doc.ID)
	if err != nil {
		return nil, err
	}
	if len(doc.SupersededChunks) == 0 {
		return stored, nil
	}
	skip := make(map[string]struct{}, len(doc.SupersededChunks))
	for _, id := range doc.SupersededChunks {
		skip[id] = struct{}{}
	}
	out := stored[:0]
	for i := range stored {
		if _, ok := skip[stored[i].ID]; !ok {
			out = append(out, stored[i])
		}
	}
	return out, nil
}

// Refit fits a new vectorizer on the corpus of tenant's model key and moves
// every indexed document onto it. Vectors are written under the new version
// before it is activated, so queries keep using the previous version until
// the switch. The previous version is dropped afterwards.
func (p *Pipeline) Refit(ctx context.Context, tenant string) (*RefitResult, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, fmt.Errorf("%w: tenant is required", knowledge.ErrInvalidConfiguration)
	}
	key := p.models.Key(tenant)
	unlock := p.refits.Lock(key)
	defer unlock()
	start := time.Now()
	log := logger.FromContext(ctx).With("model_key", key)

	tenants := p.tenantsSharing(ctx, tenant)
	corpus, err := Corpus(ctx, p.docs, tenants)
	if err != nil {
		return nil, err
	}
	candidate, err := vectorizer.Fit(corpus, p.models.Options())
	if err != nil {
		return nil, err
	}
	result := &RefitResult{ModelKey: key}
	prev, err := p.models.Active(ctx, tenant)
	switch {
	case err == nil:
		result.PreviousVersion = prev.Version
	case !errors.Is(err, knowledge.ErrModelNotFound):
		return nil, err
	}
	staged := candidate.WithVersion(key, result.PreviousVersion+1)
	if result.PreviousVersion != 0 {
		// Clears what an interrupted refit left under the staged version.
		if err := p.dropVersion(ctx, tenants, staged.Version); err != nil {
			return nil, err
		}
	}
	staging, err := p.moveAll(ctx, tenants, staged, false)
	if err != nil {
		p.abandon(ctx, tenants, staged.Version, err)
		return nil, err
	}
	next, err := p.models.Activate(ctx, tenant, candidate)
	if err != nil {
		p.abandon(ctx, tenants, staged.Version, err)
		return nil, err
	}
	if next.Version != staged.Version {
		log.Warn("Vectorizer version moved during refit", "staged", staged.Version, "active", next.Version)
		p.logDrop(ctx, p.dropVersion(ctx, tenants, staged.Version))
	}
	// Documents indexed while staging are caught up here.
	commit, err := p.moveAll(ctx, tenants, next, true)
	if err != nil {
		return nil, err
	}
	if result.PreviousVersion != 0 {
		p.logDrop(ctx, p.dropVersion(ctx, tenants, result.PreviousVersion))
	}
	result.Version = next.Version
	result.Dimension = next.Dimension
	result.Documents = commit.documents
	result.Embedded = staging.embedded + commit.embedded
	duration := time.Since(start)
	knowledge.RecordRefitDuration(ctx, key, duration)
	log.Info(
		"Vectorizer refit finished",
		"previous_version", result.PreviousVersion,
		"version", result.Version,
		"dimension", result.Dimension,
		"documents", result.Documents,
		"embedded", result.Embedded,
		"duration", duration,
	)
	return result, nil
}

type moveStats struct {
	documents int
	embedded  int
}

func (p *Pipeline) moveAll(
	ctx context.Context,
	tenants []string,
	model *vectorizer.Model,
	commit bool,
) (moveStats, error) {
	var stats moveStats
	for _, tenant := range tenants {
		docs, err := p.docs.ListDocuments(ctx, tenant)
		if err != nil {
			return stats, err
		}
		for _, doc := range docs {
			if doc.Status != knowledge.StatusIndexed {
				continue
			}
			moved, n, err := p.moveDocument(ctx, tenant, doc.ID, model, commit)
			stats.embedded += n
			if err != nil {
				return stats, err
			}
			if moved {
				stats.documents++
			}
		}
	}
	return stats, nil
}

// moveDocument writes vectors for a document's current chunks under model.
// With commit set the document is switched to the model version.
func (p *Pipeline) moveDocument(
	ctx context.Context,
	tenant, id string,
	model *vectorizer.Model,
	commit bool,
) (bool, int, error) {
	unlock := p.locks.Lock(documentKey(tenant, id))
	defer unlock()
	doc, err := p.docs.GetDocument(ctx, tenant, id)
	if errors.Is(err, knowledge.ErrDocumentNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if doc.Status != knowledge.StatusIndexed {
		return false, 0, nil
	}
	if commit && doc.ModelVersion == model.Version {
		return true, 0, nil
	}
	chunks, err := currentChunks(ctx, p.docs, doc)
	if err != nil {
		return false, 0, err
	}
	n, err := p.embed(ctx, doc, model, chunks)
	if err != nil {
		return false, n, err
	}
	if !commit {
		return true, n, nil
	}
	doc.ModelVersion = model.Version
	doc.UpdatedAt = p.now()
	if err := p.save(ctx, doc); err != nil {
		return false, n, err
	}
	return true, n, nil
}

// abandon removes the vectors and progress a failed refit staged.
func (p *Pipeline) abandon(ctx context.Context, tenants []string, version int64, cause error) {
	logger.FromContext(ctx).Warn("Vectorizer refit abandoned", "version", version, "error", cause)
	p.logDrop(ctx, p.dropVersion(context.WithoutCancel(ctx), tenants, version))
}

// dropVersion removes the collections of version and the progress recorded
// against it, so the version number can be staged again from scratch.
// Progress is kept for a tenant whose collection could not be dropped.
func (p *Pipeline) dropVersion(ctx context.Context, tenants []string, version int64) error {
	var errs []error
	for _, tenant := range tenants {
		if err := p.retry(ctx, func(ctx context.Context) error {
			return p.vectors.DropVersion(ctx, tenant, version)
		}); err != nil {
			errs = append(errs, fmt.Errorf("ingest: drop version %d of %s: %w", version, tenant, err))
			continue
		}
		if err := p.retry(ctx, func(ctx context.Context) error {
			return p.docs.ClearProgress(ctx, tenant, version)
		}); err != nil {
			errs = append(errs, fmt.Errorf("ingest: clear progress %d of %s: %w", version, tenant, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) logDrop(ctx context.Context, err error) {
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to drop vectorizer version", "error", err)
	}
}
