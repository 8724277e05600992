package retriever_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/retriever"
)

func TestRenderPrompt(t *testing.T) {
	chatCtx := &knowledge.ChatContext{Entries: []knowledge.ContextEntry{
		{ChunkID: "c1", DocumentID: "d1", Title: "Cats", Text: "The cat sat.", Score: 0.8},
		{ChunkID: "c2", DocumentID: "d2", Text: "Dogs run.", Score: 0.4},
	}}
	t.Run("Should frame context blocks and question", func(t *testing.T) {
		out, err := retriever.RenderPrompt("", chatCtx, "Where did the cat sit?")
		require.NoError(t, err)
		assert.Contains(t, out, "From 'Cats': The cat sat.\n\nFrom 'd2': Dogs run.")
		assert.Contains(t, out, "Question: Where did the cat sit?")
	})
	t.Run("Should render the no-context message", func(t *testing.T) {
		out, err := retriever.RenderPrompt("{{.context}}|{{.question}}", &knowledge.ChatContext{}, "q")
		require.NoError(t, err)
		assert.Equal(t, knowledge.NoContextMessage+"|q", out)
	})
}

func TestDocuments(t *testing.T) {
	t.Run("Should convert entries in rank order", func(t *testing.T) {
		docs := retriever.Documents(&knowledge.ChatContext{Entries: []knowledge.ContextEntry{
			{ChunkID: "c1", DocumentID: "d1", Title: "T", Text: "alpha", Score: 0.5},
		}})
		require.Len(t, docs, 1)
		assert.Equal(t, "alpha", docs[0].PageContent)
		assert.InDelta(t, 0.5, docs[0].Score, 1e-6)
		assert.Equal(t, "d1", docs[0].Metadata["document_id"])
		assert.Nil(t, retriever.Documents(nil))
	})
}
