package ingest

import (
	"time"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/chunk"
)

const (
	DefaultBatchSize   = 32
	DefaultConcurrency = 4
)

// Config controls how documents move through the ingestion state machine.
type Config struct {
	Chunking    chunk.Settings
	Retry       knowledge.RetryPolicy
	BatchSize   int
	Concurrency int
	// Timeout bounds one ingestion run. Zero disables the bound.
	Timeout time.Duration
	// AutoFit fits a first vectorizer model on the tenant corpus when none exists.
	AutoFit bool
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// Request is one document submitted for ingestion. Data is extracted
// according to MIMEType when set; otherwise Text is used as is.
type Request struct {
	Tenant     string
	DocumentID string
	Title      string
	Text       string
	Data       []byte
	MIMEType   string
}

// Result reports the outcome of one ingestion run.
type Result struct {
	Document *knowledge.Document
	// Unchanged is set when the content was already indexed and nothing ran.
	Unchanged bool
	Chunks    int
	// Embedded counts chunks whose vectors were written during this run.
	Embedded int
	// Removed counts superseded chunks deleted after indexing.
	Removed int
}
