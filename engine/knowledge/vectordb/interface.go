package vectordb

import (
	"context"
	"math"
	"sort"
	"time"
)

// Provider enumerates supported vector store backends.
type Provider string

const (
	ProviderMemory     Provider = "memory"
	ProviderFilesystem Provider = "filesystem"
	ProviderRedis      Provider = "redis"
	ProviderPGVector   Provider = "pgvector"
	ProviderQdrant     Provider = "qdrant"
)

// Metadata keys that can be used in search and delete filters.
const (
	FieldDocumentID = "document_id"
	FieldTitle      = "title"
)

// Record is one chunk vector persisted in a collection.
type Record struct {
	ID         string
	DocumentID string
	Title      string
	Index      int
	Text       string
	CreatedAt  time.Time
	Vector     []float32
}

// Field returns the value of a filterable metadata key.
func (r *Record) Field(key string) (string, bool) {
	switch key {
	case FieldDocumentID:
		return r.DocumentID, true
	case FieldTitle:
		return r.Title, true
	default:
		return "", false
	}
}

// SearchOptions controls similarity search execution.
type SearchOptions struct {
	TopK    int
	Filters map[string]string
}

// Match is a search hit. Record.Vector is not populated.
type Match struct {
	Record
	Score float64
}

// Filter selects records to delete. Empty filters match nothing.
type Filter struct {
	IDs        []string
	DocumentID string
}

func (f Filter) Empty() bool {
	return len(f.IDs) == 0 && f.DocumentID == ""
}

// Backend is the collection-addressed surface every vector store must provide.
// Backends never see tenants; the Store maps tenants to collection names.
type Backend interface {
	// EnsureCollection creates name with dimension dim, or fails with
	// knowledge.ErrDimensionMismatch when it exists with another dimension.
	EnsureCollection(ctx context.Context, name string, dim int) error
	// Dimension returns 0 when the collection does not exist.
	Dimension(ctx context.Context, name string) (int, error)
	Upsert(ctx context.Context, name string, records []Record) error
	// Search returns at most opts.TopK matches ordered by descending score.
	// A missing collection yields no matches.
	Search(ctx context.Context, name string, query []float32, opts SearchOptions) ([]Match, error)
	Delete(ctx context.Context, name string, filter Filter) error
	Count(ctx context.Context, name string) (int, error)
	DropCollection(ctx context.Context, name string) error
	Close(ctx context.Context) error
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// sortMatches orders by score desc, then most recent document first, then chunk ID.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func matchesFilters(r *Record, filters map[string]string) bool {
	for key, want := range filters {
		got, ok := r.Field(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func matchesDelete(r *Record, filter Filter, ids map[string]struct{}) bool {
	if _, ok := ids[r.ID]; ok {
		return true
	}
	return filter.DocumentID != "" && r.DocumentID == filter.DocumentID
}

func idSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func float32ToFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		out[i] = float64(values[i])
	}
	return out
}
