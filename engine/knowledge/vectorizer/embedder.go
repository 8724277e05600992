package vectorizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tmc/langchaingo/embeddings"
)

// Cache memoizes transform results per model fingerprint.
type Cache struct {
	entries *lru.Cache[string, []float32]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vectorizer: cache size must be greater than zero")
	}
	entries, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("vectorizer: init cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

func cacheKey(fingerprint, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fingerprint + ":" + hex.EncodeToString(sum[:])
}

func (c *Cache) transform(m *Model, text string) []float32 {
	if c == nil {
		return m.Transform(text)
	}
	key := cacheKey(m.Fingerprint, text)
	if vec, ok := c.entries.Get(key); ok {
		return cloneVector(vec)
	}
	vec := m.Transform(text)
	c.entries.Add(key, cloneVector(vec))
	return vec
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// Embedder exposes one model snapshot through the langchaingo embeddings interface.
type Embedder struct {
	model *Model
	cache *Cache
}

var _ embeddings.Embedder = (*Embedder)(nil)

// NewEmbedder binds model, so every vector it returns has model.Dimension components.
func NewEmbedder(model *Model, cache *Cache) *Embedder {
	return &Embedder{model: model, cache: cache}
}

func (e *Embedder) Model() *Model {
	return e.model
}

// EmbedDocuments transforms texts, checking ctx between items.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.cache.transform(e.model, text)
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.cache.transform(e.model, text), nil
}
