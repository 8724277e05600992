package knowledge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_Transition(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	t.Run("Should walk the happy path", func(t *testing.T) {
		doc := &Document{Status: StatusPending}
		require.NoError(t, doc.Transition(StatusChunked, now))
		require.NoError(t, doc.Transition(StatusEmbedded, now))
		require.NoError(t, doc.Transition(StatusIndexed, now))
		assert.True(t, doc.Status.Terminal())
	})
	t.Run("Should reach failed from any non-terminal state", func(t *testing.T) {
		for _, s := range []Status{StatusPending, StatusChunked, StatusEmbedded} {
			assert.True(t, s.CanTransition(StatusFailed), s)
		}
		assert.False(t, StatusIndexed.CanTransition(StatusFailed))
	})
	t.Run("Should refuse skipping states", func(t *testing.T) {
		doc := &Document{Status: StatusPending}
		err := doc.Transition(StatusIndexed, now)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StatusPending, doc.Status)
	})
	t.Run("Should record the last error on failure", func(t *testing.T) {
		doc := &Document{Status: StatusChunked}
		doc.Fail(errors.New("store down"), now)
		assert.Equal(t, StatusFailed, doc.Status)
		assert.Equal(t, "store down", doc.LastError)
		require.NoError(t, doc.Transition(StatusChunked, now))
		assert.Empty(t, doc.LastError)
	})
}

func TestChatContext_Render(t *testing.T) {
	t.Run("Should render one block per entry", func(t *testing.T) {
		c := &ChatContext{Entries: []ContextEntry{
			{Title: "notes.txt", Text: "The cat sat."},
			{DocumentID: "doc-2", Text: "The cat ran."},
		}}
		assert.Equal(t, "From 'notes.txt': The cat sat.\n\nFrom 'doc-2': The cat ran.", c.Render())
	})
	t.Run("Should render the fallback when empty", func(t *testing.T) {
		assert.Equal(t, NoContextMessage, (&ChatContext{}).Render())
		var c *ChatContext
		assert.True(t, c.Empty())
	})
}

func TestErrorClassification(t *testing.T) {
	t.Run("Should treat store failures as transient", func(t *testing.T) {
		err := StoreError("upsert", errors.New("connection refused"))
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.True(t, IsTransient(err))
		assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
		assert.Same(t, err, StoreError("again", err))
	})
	t.Run("Should not retry permanent errors", func(t *testing.T) {
		assert.False(t, IsTransient(ErrDimensionMismatch))
		assert.True(t, IsPermanent(fmt.Errorf("x: %w", ErrEmptyCorpus)))
		assert.False(t, IsTransient(context.Canceled))
	})
}
