package retriever

import (
	"fmt"

	"github.com/tmc/langchaingo/prompts"
	"github.com/tmc/langchaingo/schema"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

// DefaultPromptTemplate frames retrieved context for the generation service.
const DefaultPromptTemplate = `Use the following documents to answer the question.

{{.context}}

Question: {{.question}}`

// RenderPrompt formats chatCtx and question with template, or the default
// template when it is empty. An empty context renders as knowledge.NoContextMessage.
func RenderPrompt(template string, chatCtx *knowledge.ChatContext, question string) (string, error) {
	if template == "" {
		template = DefaultPromptTemplate
	}
	tpl := prompts.NewPromptTemplate(template, []string{"context", "question"})
	out, err := tpl.Format(map[string]any{
		"context":  chatCtx.Render(),
		"question": question,
	})
	if err != nil {
		return "", fmt.Errorf("retriever: render prompt: %w", err)
	}
	return out, nil
}

// Documents converts chatCtx entries into langchaingo documents in rank order.
func Documents(chatCtx *knowledge.ChatContext) []schema.Document {
	if chatCtx.Empty() {
		return nil
	}
	docs := make([]schema.Document, 0, len(chatCtx.Entries))
	for i := range chatCtx.Entries {
		e := &chatCtx.Entries[i]
		docs = append(docs, schema.Document{
			PageContent: e.Text,
			Score:       float32(e.Score),
			Metadata: map[string]any{
				"chunk_id":    e.ChunkID,
				"document_id": e.DocumentID,
				"title":       e.Title,
			},
		})
	}
	return docs
}
