package uc

import (
	"context"
	"strings"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
)

type DeleteInput struct {
	Tenant string
	ID     string
}

type Delete struct {
	pipeline *ingest.Pipeline
}

func NewDelete(pipeline *ingest.Pipeline) *Delete {
	return &Delete{pipeline: pipeline}
}

func (uc *Delete) Execute(ctx context.Context, in *DeleteInput) error {
	if in == nil {
		return ErrInvalidInput
	}
	tenant := strings.TrimSpace(in.Tenant)
	if tenant == "" {
		return ErrTenantMissing
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return ErrIDMissing
	}
	return uc.pipeline.Delete(ctx, tenant, id)
}
