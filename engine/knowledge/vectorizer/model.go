package vectorizer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

// DefaultMaxFeatures bounds the vocabulary when Options leaves it unset.
const DefaultMaxFeatures = 5000

type Options struct {
	MaxFeatures int
	NgramMax    int
	StopWords   bool
}

func DefaultOptions() Options {
	return Options{MaxFeatures: DefaultMaxFeatures, NgramMax: 2, StopWords: true}
}

// Model is a frozen TF-IDF vocabulary. A Model is immutable once returned by
// Fit or Decode; Version is assigned by the Registry on activation.
type Model struct {
	FormatVersion int       `json:"format_version"`
	Key           string    `json:"key"`
	Version       int64     `json:"version"`
	NgramMax      int       `json:"ngram_max"`
	StopWords     bool      `json:"stop_words"`
	CorpusSize    int       `json:"corpus_size"`
	Dimension     int       `json:"dimension"`
	Terms         []string  `json:"terms"`
	IDF           []float64 `json:"idf"`
	Fingerprint   string    `json:"fingerprint"`

	index     map[string]int
	tokenizer *Tokenizer
}

// Fit builds a model over corpus. Re-fitting an identical corpus yields an identical model.
func Fit(corpus []string, opts Options) (*Model, error) {
	if len(corpus) == 0 {
		return nil, knowledge.ErrEmptyCorpus
	}
	if opts.MaxFeatures <= 0 {
		opts.MaxFeatures = DefaultMaxFeatures
	}
	if opts.NgramMax <= 0 {
		opts.NgramMax = 1
	}
	tok := NewTokenizer(opts.NgramMax, opts.StopWords)
	df := make(map[string]int)
	tf := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]struct{})
		for _, term := range tok.Terms(doc) {
			tf[term]++
			if _, ok := seen[term]; !ok {
				seen[term] = struct{}{}
				df[term]++
			}
		}
	}
	if len(df) == 0 {
		return nil, fmt.Errorf("%w: corpus has no indexable terms", knowledge.ErrEmptyCorpus)
	}
	terms := selectTerms(tf, opts.MaxFeatures)
	n := float64(len(corpus))
	idf := make([]float64, len(terms))
	for i, term := range terms {
		idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
	m := &Model{
		FormatVersion: FormatVersion,
		NgramMax:      opts.NgramMax,
		StopWords:     opts.StopWords,
		CorpusSize:    len(corpus),
		Dimension:     len(terms),
		Terms:         terms,
		IDF:           idf,
	}
	m.Fingerprint = m.fingerprint()
	m.init()
	return m, nil
}

// selectTerms keeps the limit most frequent terms and returns them sorted.
func selectTerms(tf map[string]int, limit int) []string {
	terms := make([]string, 0, len(tf))
	for term := range tf {
		terms = append(terms, term)
	}
	if len(terms) > limit {
		sort.Slice(terms, func(i, j int) bool {
			if tf[terms[i]] != tf[terms[j]] {
				return tf[terms[i]] > tf[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:limit]
	}
	sort.Strings(terms)
	return terms
}

func (m *Model) init() {
	m.index = make(map[string]int, len(m.Terms))
	for i, term := range m.Terms {
		m.index[term] = i
	}
	m.tokenizer = NewTokenizer(m.NgramMax, m.StopWords)
}

func (m *Model) fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(m.NgramMax))
	h.Write(buf[:])
	if m.StopWords {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	for i, term := range m.Terms {
		h.Write([]byte(term))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(m.IDF[i]))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// WithVersion returns a copy of m carrying key and version.
func (m *Model) WithVersion(key string, version int64) *Model {
	out := *m
	out.Key = key
	out.Version = version
	return &out
}

// Transform returns the L2-normalized TF-IDF vector of text. Text made only of
// out-of-vocabulary terms yields an all-zero vector.
func (m *Model) Transform(text string) []float32 {
	vec := make([]float32, m.Dimension)
	counts := make(map[int]float64)
	for _, term := range m.tokenizer.Terms(text) {
		if col, ok := m.index[term]; ok {
			counts[col]++
		}
	}
	if len(counts) == 0 {
		return vec
	}
	weights := make([]float64, m.Dimension)
	var norm float64
	for col, c := range counts {
		w := c * m.IDF[col]
		weights[col] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for col := range counts {
		vec[col] = float32(weights[col] / norm)
	}
	return vec
}

// Transform applies model to text.
func Transform(model *Model, text string) []float32 {
	return model.Transform(text)
}

// IsZero reports whether every component of vec is zero.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
