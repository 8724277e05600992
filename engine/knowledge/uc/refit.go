package uc

import (
	"context"
	"strings"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
)

type RefitInput struct {
	Tenant string
}

type Refit struct {
	pipeline *ingest.Pipeline
}

func NewRefit(pipeline *ingest.Pipeline) *Refit {
	return &Refit{pipeline: pipeline}
}

func (uc *Refit) Execute(ctx context.Context, in *RefitInput) (*ingest.RefitResult, error) {
	if in == nil {
		return nil, ErrInvalidInput
	}
	tenant := strings.TrimSpace(in.Tenant)
	if tenant == "" {
		return nil, ErrTenantMissing
	}
	return uc.pipeline.Refit(ctx, tenant)
}
