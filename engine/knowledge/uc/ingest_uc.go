package uc

import (
	"context"
	"strings"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
)

type IngestInput struct {
	Tenant     string
	DocumentID string
	Title      string
	Text       string
	Data       []byte
	MIMEType   string
	// Async hands the document to the queue and returns once it is pending.
	Async bool
}

type IngestOutput struct {
	DocumentID string
	Result     *ingest.Result
}

type Ingest struct {
	pipeline *ingest.Pipeline
	queue    *ingest.Queue
}

// NewIngest builds the use case. queue may be nil when only synchronous
// ingestion is needed.
func NewIngest(pipeline *ingest.Pipeline, queue *ingest.Queue) *Ingest {
	return &Ingest{pipeline: pipeline, queue: queue}
}

func validateIngestInput(in *IngestInput) (string, error) {
	if in == nil {
		return "", ErrInvalidInput
	}
	tenant := strings.TrimSpace(in.Tenant)
	if tenant == "" {
		return "", ErrTenantMissing
	}
	if in.Data == nil && strings.TrimSpace(in.Text) == "" {
		return "", ErrSourceMissing
	}
	return tenant, nil
}

func (uc *Ingest) Execute(ctx context.Context, in *IngestInput) (*IngestOutput, error) {
	tenant, err := validateIngestInput(in)
	if err != nil {
		return nil, err
	}
	req := &ingest.Request{
		Tenant:     tenant,
		DocumentID: strings.TrimSpace(in.DocumentID),
		Title:      strings.TrimSpace(in.Title),
		Text:       in.Text,
		Data:       in.Data,
		MIMEType:   in.MIMEType,
	}
	if in.Async && uc.queue != nil {
		id, err := uc.queue.Submit(ctx, req)
		if err != nil {
			return nil, err
		}
		return &IngestOutput{DocumentID: id}, nil
	}
	result, err := uc.pipeline.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	return &IngestOutput{DocumentID: result.Document.ID, Result: result}, nil
}
