package knowledge

import (
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

// Status is the processing state of a document.
type Status string

const (
	StatusPending  Status = "pending"
	StatusChunked  Status = "chunked"
	StatusEmbedded Status = "embedded"
	StatusIndexed  Status = "indexed"
	StatusFailed   Status = "failed"
)

var statusTransitions = map[Status][]Status{
	StatusPending:  {StatusChunked, StatusFailed},
	StatusChunked:  {StatusEmbedded, StatusFailed},
	StatusEmbedded: {StatusIndexed, StatusFailed},
	// A new run starts from an indexed or failed document when it is re-ingested.
	StatusIndexed: {StatusPending, StatusChunked},
	StatusFailed:  {StatusPending, StatusChunked},
}

// Terminal reports whether a run ends in s.
func (s Status) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// CanTransition reports whether a document in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// GlobalModelKey is the model key shared by all tenants when the vectorizer scope is global.
const GlobalModelKey = "_global"

// Document is the ingestion record of one source text.
type Document struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant"`
	Title       string    `json:"title"`
	MIMEType    string    `json:"mime_type,omitempty"`
	Length      int       `json:"length"`
	ContentHash string    `json:"content_hash"`
	Status      Status    `json:"status"`
	ChunkCount  int       `json:"chunk_count"`
	// ModelVersion is the vectorizer version the document's vectors belong to.
	ModelVersion int64 `json:"model_version"`
	// SupersededChunks holds chunk IDs of a previous content version that are
	// deleted once the current version is indexed.
	SupersededChunks []string  `json:"superseded_chunks,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Attempts         int       `json:"attempts"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Transition moves the document to next, refusing illegal moves.
func (d *Document) Transition(next Status, now time.Time) error {
	if d.Status == next {
		d.UpdatedAt = now
		return nil
	}
	if !d.Status.CanTransition(next) {
		return &TransitionError{From: d.Status, To: next}
	}
	d.Status = next
	d.UpdatedAt = now
	if next != StatusFailed {
		d.LastError = ""
	}
	return nil
}

// Fail records err and moves the document to failed.
func (d *Document) Fail(err error, now time.Time) {
	d.Status = StatusFailed
	d.UpdatedAt = now
	if err != nil {
		d.LastError = err.Error()
	}
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.SupersededChunks != nil {
		out.SupersededChunks = append([]string(nil), d.SupersededChunks...)
	}
	return &out
}

// NewDocumentID returns a sortable unique document identifier.
func NewDocumentID() string {
	return ksuid.New().String()
}

// Chunk is a bounded contiguous slice of a document's text.
// Start and End are rune offsets into the source text.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
	Length     int    `json:"length"`
}

// ScoredChunk is one ranked search hit with its source document reference.
type ScoredChunk struct {
	ChunkID    string
	DocumentID string
	Title      string
	Index      int
	Text       string
	Score      float64
	CreatedAt  time.Time
}

// RetrievalResult is the ranked outcome of one similarity search.
type RetrievalResult struct {
	Tenant       string
	ModelVersion int64
	Matches      []ScoredChunk
}

// ContextEntry is one chunk placed into a chat context.
type ContextEntry struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Tokens     int     `json:"tokens"`
}

// ChatContext is the retrieved context handed to the generation layer.
type ChatContext struct {
	Tenant       string         `json:"tenant"`
	Query        string         `json:"query"`
	ModelVersion int64          `json:"model_version"`
	Entries      []ContextEntry `json:"entries"`
	TotalChars   int            `json:"total_chars"`
}

// Empty reports whether no chunk qualified for the context.
func (c *ChatContext) Empty() bool {
	return c == nil || len(c.Entries) == 0
}

// NoContextMessage is rendered in place of an empty context.
const NoContextMessage = "No relevant documents found."

// Render formats the context as one "From '<title>': <text>" block per entry.
func (c *ChatContext) Render() string {
	if c.Empty() {
		return NoContextMessage
	}
	blocks := make([]string, 0, len(c.Entries))
	for i := range c.Entries {
		e := &c.Entries[i]
		title := e.Title
		if title == "" {
			title = e.DocumentID
		}
		blocks = append(blocks, "From '"+title+"': "+e.Text)
	}
	return strings.Join(blocks, "\n\n")
}
