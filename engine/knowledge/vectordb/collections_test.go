package vectordb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

func TestCollectionName(t *testing.T) {
	t.Run("Should slug tenant identifiers", func(t *testing.T) {
		assert.Equal(t, "user_alice_smith_documents", CollectionName("Alice Smith"))
		assert.Equal(t, "user_team_one_documents", CollectionName("Team-One"))
	})
	t.Run("Should fall back to a hash for unsluggable tenants", func(t *testing.T) {
		name := CollectionName("!!!")
		assert.Regexp(t, `^user_[0-9a-f]{8}_documents$`, name)
	})
	t.Run("Should suffix the model version", func(t *testing.T) {
		assert.Equal(t, "user_alice_documents_v3", PhysicalName("user_alice_documents", 3))
	})
}

func TestCollectionRegistry(t *testing.T) {
	ctx := context.Background()
	t.Run("Should fail lookups of unregistered tenants", func(t *testing.T) {
		r := NewCollectionRegistry(nil)
		_, err := r.Lookup(ctx, "alice")
		assert.ErrorIs(t, err, knowledge.ErrUnknownTenant)
	})
	t.Run("Should register on ensure and resolve afterwards", func(t *testing.T) {
		catalog := NewMemoryCatalog()
		r := NewCollectionRegistry(catalog)
		name, err := r.Ensure(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "user_alice_documents", name)
		again, err := r.Ensure(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, name, again)
		fresh := NewCollectionRegistry(catalog)
		got, err := fresh.Lookup(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, name, got)
	})
	t.Run("Should give colliding tenants distinct collections", func(t *testing.T) {
		r := NewCollectionRegistry(nil)
		lower, err := r.Ensure(ctx, "alice")
		require.NoError(t, err)
		upper, err := r.Ensure(ctx, "Alice")
		require.NoError(t, err)
		assert.NotEqual(t, lower, upper)
		assert.Regexp(t, `^user_alice_[0-9a-f]{8}_documents$`, upper)
		tenants, err := r.Tenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Alice", "alice"}, tenants)
	})
	t.Run("Should reject empty tenants", func(t *testing.T) {
		_, err := NewCollectionRegistry(nil).Ensure(ctx, "")
		assert.ErrorIs(t, err, knowledge.ErrInvalidConfiguration)
	})
}
