package uc

import (
	"context"
	"strings"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/retriever"
)

type QueryInput struct {
	Tenant          string
	Query           string
	MaxResults      int
	MaxContextChars int
	MinScore        *float64
	Filters         map[string]string
	// Template renders the prompt handed to the generation service. Empty uses
	// retriever.DefaultPromptTemplate.
	Template string
}

type QueryOutput struct {
	Context *knowledge.ChatContext
	Prompt  string
}

type Query struct {
	retriever *retriever.Service
}

func NewQuery(svc *retriever.Service) *Query {
	return &Query{retriever: svc}
}

func (uc *Query) Execute(ctx context.Context, in *QueryInput) (*QueryOutput, error) {
	if in == nil {
		return nil, ErrInvalidInput
	}
	tenant := strings.TrimSpace(in.Tenant)
	if tenant == "" {
		return nil, ErrTenantMissing
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, ErrQueryMissing
	}
	chatCtx, err := uc.retriever.Retrieve(ctx, &retriever.Request{
		Tenant:          tenant,
		Query:           in.Query,
		MaxResults:      in.MaxResults,
		MaxContextChars: in.MaxContextChars,
		MinScore:        in.MinScore,
		Filters:         in.Filters,
	})
	if err != nil {
		return nil, err
	}
	prompt, err := retriever.RenderPrompt(in.Template, chatCtx, in.Query)
	if err != nil {
		return nil, err
	}
	return &QueryOutput{Context: chatCtx, Prompt: prompt}, nil
}
