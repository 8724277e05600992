package vectorizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer turns text into the terms counted by the model: lowercased,
// accent-folded words of at least two runes, stop words removed, then joined
// into n-grams up to NgramMax.
type Tokenizer struct {
	ngramMax  int
	stopWords bool
}

func NewTokenizer(ngramMax int, stopWords bool) *Tokenizer {
	if ngramMax < 1 {
		ngramMax = 1
	}
	return &Tokenizer{ngramMax: ngramMax, stopWords: stopWords}
}

func foldAccents(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return out
}

func (t *Tokenizer) words(text string) []string {
	folded := strings.ToLower(foldAccents(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if t.stopWords {
			if _, stop := englishStopWords[f]; stop {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// Terms returns every n-gram of text in order of appearance, duplicates included.
func (t *Tokenizer) Terms(text string) []string {
	words := t.words(text)
	if len(words) == 0 {
		return nil
	}
	terms := make([]string, 0, len(words)*t.ngramMax)
	terms = append(terms, words...)
	for n := 2; n <= t.ngramMax; n++ {
		for i := 0; i+n <= len(words); i++ {
			terms = append(terms, strings.Join(words[i:i+n], " "))
		}
	}
	return terms
}
