package uc

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/docstore"
)

type StatusInput struct {
	Tenant string
	ID     string
}

type StatusOutput struct {
	Document *knowledge.Document
	// Indexed counts chunks with vectors under the document's model version.
	Indexed int
}

// Status reports where a document is in the ingestion state machine.
type Status struct {
	docs docstore.Store
}

func NewStatus(docs docstore.Store) *Status {
	return &Status{docs: docs}
}

func (uc *Status) Execute(ctx context.Context, in *StatusInput) (*StatusOutput, error) {
	if in == nil {
		return nil, ErrInvalidInput
	}
	tenant := strings.TrimSpace(in.Tenant)
	if tenant == "" {
		return nil, ErrTenantMissing
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return nil, ErrIDMissing
	}
	doc, err := uc.docs.GetDocument(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	out := &StatusOutput{Document: doc}
	if doc.ModelVersion > 0 {
		done, err := uc.docs.IndexedChunks(ctx, tenant, id, doc.ModelVersion)
		if err != nil {
			return nil, fmt.Errorf("load progress of %q: %w", id, err)
		}
		out.Indexed = len(done)
	}
	return out, nil
}
