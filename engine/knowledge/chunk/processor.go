package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"unicode"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

var newlinePattern = regexp.MustCompile(`\r\n|\r`)

// Processor splits text with a sliding window of Size runes advancing by Size-Overlap.
type Processor struct {
	settings Settings
}

// NewProcessor validates settings and builds a processor.
func NewProcessor(settings Settings) (*Processor, error) {
	if settings.Size <= 0 {
		return nil, fmt.Errorf("%w: chunk: size must be greater than zero", knowledge.ErrInvalidConfiguration)
	}
	if settings.Overlap < 0 {
		return nil, fmt.Errorf("%w: chunk: overlap cannot be negative", knowledge.ErrInvalidConfiguration)
	}
	if settings.Overlap >= settings.Size {
		return nil, fmt.Errorf(
			"%w: chunk: overlap %d must be smaller than size %d",
			knowledge.ErrInvalidConfiguration,
			settings.Overlap,
			settings.Size,
		)
	}
	return &Processor{settings: settings}, nil
}

// Split chunks text with exact window cuts.
func Split(text string, size, overlap int) ([]knowledge.Chunk, error) {
	p, err := NewProcessor(Settings{Size: size, Overlap: overlap})
	if err != nil {
		return nil, err
	}
	return p.Process(Document{Text: text}), nil
}

func (p *Processor) Settings() Settings {
	return p.settings
}

// Prepare applies text normalization. Chunk spans refer to the prepared text.
func (p *Processor) Prepare(text string) string {
	if p.settings.NormalizeNewlines {
		return newlinePattern.ReplaceAllString(text, "\n")
	}
	return text
}

// Process splits an already prepared document. Empty text yields no chunks.
func (p *Processor) Process(doc Document) []knowledge.Chunk {
	runes := []rune(doc.Text)
	total := len(runes)
	if total == 0 {
		return nil
	}
	size, overlap := p.settings.Size, p.settings.Overlap
	step := size - overlap
	chunks := make([]knowledge.Chunk, 0, total/step+1)
	start := 0
	for idx := 0; ; idx++ {
		end := start + size
		if end >= total {
			end = total
		} else if p.settings.PreferBoundaries {
			end = boundary(runes, start, end, overlap)
		}
		text := string(runes[start:end])
		chunks = append(chunks, knowledge.Chunk{
			ID:         chunkID(doc, idx, text),
			DocumentID: doc.ID,
			Index:      idx,
			Start:      start,
			End:        end,
			Text:       text,
			Length:     end - start,
		})
		if end == total {
			break
		}
		start = end - overlap
	}
	return chunks
}

// boundary returns a cut in (start, end] preferring the rune after a sentence end,
// then after whitespace. The cut always leaves more than overlap runes in the chunk
// and never falls in the first half of the window.
func boundary(runes []rune, start, end, overlap int) int {
	limit := start + max((end-start)/2, overlap+1)
	for i := end - 1; i >= limit; i-- {
		switch runes[i] {
		case '.', '!', '?', '\n':
			return i + 1
		}
	}
	for i := end - 1; i >= limit; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

func chunkID(doc Document, idx int, text string) string {
	return hashText(doc.ID + "::" + doc.Version + "::" + strconv.Itoa(idx) + "::" + hashText(text))
}

func hashText(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

// HashContent returns the content hash used to detect document changes.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
