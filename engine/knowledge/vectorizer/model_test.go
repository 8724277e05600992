package vectorizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

func norm2(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestTokenizer(t *testing.T) {
	t.Run("Should lowercase, fold accents and drop stop words", func(t *testing.T) {
		tok := NewTokenizer(1, true)
		assert.Equal(t, []string{"cafe", "resume", "naive"}, tok.Terms("The Café of a RÉSUMÉ, naïve!"))
	})
	t.Run("Should drop single-rune words", func(t *testing.T) {
		tok := NewTokenizer(1, false)
		assert.Equal(t, []string{"go", "is", "fun"}, tok.Terms("x go is fun y"))
	})
	t.Run("Should append bigrams after unigrams", func(t *testing.T) {
		tok := NewTokenizer(2, true)
		assert.Equal(t, []string{"cat", "sat", "mat", "cat sat", "sat mat"}, tok.Terms("The cat sat on the mat"))
	})
}

func TestFit(t *testing.T) {
	t.Run("Should fail on an empty corpus", func(t *testing.T) {
		_, err := Fit(nil, DefaultOptions())
		assert.ErrorIs(t, err, knowledge.ErrEmptyCorpus)
		_, err = Fit([]string{"the of and"}, DefaultOptions())
		assert.ErrorIs(t, err, knowledge.ErrEmptyCorpus)
	})
	t.Run("Should sort the vocabulary and smooth idf", func(t *testing.T) {
		m, err := Fit([]string{"cat sat", "cat ran"}, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, []string{"cat", "cat ran", "cat sat", "ran", "sat"}, m.Terms)
		assert.Equal(t, 5, m.Dimension)
		assert.Equal(t, 2, m.CorpusSize)
		assert.InDelta(t, 1.0, m.IDF[0], 1e-12)
		assert.InDelta(t, math.Log(3.0/2.0)+1, m.IDF[4], 1e-12)
	})
	t.Run("Should keep the most frequent terms up to max features", func(t *testing.T) {
		m, err := Fit(
			[]string{"alpha alpha alpha beta beta gamma", "alpha beta delta"},
			Options{MaxFeatures: 2, NgramMax: 1},
		)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, m.Terms)
	})
	t.Run("Should be deterministic for identical corpora", func(t *testing.T) {
		corpus := []string{"zebra apple mango", "mango banana", "apple pie recipe", "banana split"}
		a, err := Fit(corpus, DefaultOptions())
		require.NoError(t, err)
		b, err := Fit(corpus, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, a.Terms, b.Terms)
		assert.Equal(t, a.Fingerprint, b.Fingerprint)
		assert.Equal(t, a.Transform("apple mango split"), b.Transform("apple mango split"))
		ea, err := Encode(a)
		require.NoError(t, err)
		eb, err := Encode(b)
		require.NoError(t, err)
		assert.Equal(t, ea, eb)
	})
}

func TestModel_Transform(t *testing.T) {
	m, err := Fit([]string{"The cat sat.", "The cat ran.", "Dogs bark loudly"}, DefaultOptions())
	require.NoError(t, err)
	t.Run("Should return unit vectors of the model dimension", func(t *testing.T) {
		vec := Transform(m, "cat")
		require.Len(t, vec, m.Dimension)
		assert.InDelta(t, 1.0, norm2(vec), 1e-6)
		assert.False(t, IsZero(vec))
	})
	t.Run("Should return a zero vector for unseen terms", func(t *testing.T) {
		vec := m.Transform("quantum chromodynamics")
		require.Len(t, vec, m.Dimension)
		assert.True(t, IsZero(vec))
		assert.True(t, IsZero(m.Transform("")))
	})
	t.Run("Should weight rarer terms higher", func(t *testing.T) {
		vec := m.Transform("cat sat")
		catCol, satCol := -1, -1
		for i, term := range m.Terms {
			switch term {
			case "cat":
				catCol = i
			case "sat":
				satCol = i
			}
		}
		require.GreaterOrEqual(t, catCol, 0)
		require.GreaterOrEqual(t, satCol, 0)
		assert.Greater(t, vec[satCol], vec[catCol])
	})
}
