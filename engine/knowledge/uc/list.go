package uc

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/docstore"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type ListInput struct {
	Tenant string
	Status knowledge.Status
	// After is the ID of the last document of the previous page.
	After string
	Limit int
}

type ListOutput struct {
	Items []*knowledge.Document
	// Next is empty on the last page.
	Next  string
	Total int
}

type List struct {
	docs docstore.Store
}

func NewList(docs docstore.Store) *List {
	return &List{docs: docs}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

func (uc *List) Execute(ctx context.Context, in *ListInput) (*ListOutput, error) {
	if in == nil {
		return nil, ErrInvalidInput
	}
	tenant := strings.TrimSpace(in.Tenant)
	if tenant == "" {
		return nil, ErrTenantMissing
	}
	if in.Status != "" && !in.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	}
	docs, err := uc.docs.ListDocuments(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	filtered := docs[:0]
	for _, doc := range docs {
		if in.Status == "" || doc.Status == in.Status {
			filtered = append(filtered, doc)
		}
	}
	start := 0
	if after := strings.TrimSpace(in.After); after != "" {
		for i, doc := range filtered {
			if doc.ID == after {
				start = i + 1
				break
			}
		}
	}
	limit := clampLimit(in.Limit)
	end := min(start+limit, len(filtered))
	out := &ListOutput{Items: filtered[start:end], Total: len(filtered)}
	if end < len(filtered) && end > start {
		out.Next = filtered[end-1].ID
	}
	return out, nil
}
