package vectorizer

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

func fitted(t *testing.T, key string, version int64) *Model {
	t.Helper()
	m, err := Fit([]string{"alpha beta", "beta gamma", "gamma delta"}, DefaultOptions())
	require.NoError(t, err)
	return m.WithVersion(key, version)
}

func TestCodec(t *testing.T) {
	t.Run("Should round trip a model", func(t *testing.T) {
		m := fitted(t, "alice", 3)
		data, err := Encode(m)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, m.Terms, decoded.Terms)
		assert.Equal(t, int64(3), decoded.Version)
		assert.Equal(t, m.Transform("beta gamma"), decoded.Transform("beta gamma"))
	})
	t.Run("Should refuse newer artifact formats", func(t *testing.T) {
		_, err := Decode([]byte(`{"format_version": 99, "terms": []}`))
		assert.ErrorIs(t, err, knowledge.ErrIncompatibleModelVersion)
	})
	t.Run("Should refuse tampered artifacts", func(t *testing.T) {
		data, err := Encode(fitted(t, "alice", 1))
		require.NoError(t, err)
		tampered := strings.Replace(string(data), `"alpha"`, `"aardvark"`, 1)
		_, err = Decode([]byte(tampered))
		require.Error(t, err)
		_, err = Decode([]byte(`{}`))
		require.Error(t, err)
	})
}

func testModelStore(t *testing.T, store ModelStore) {
	ctx := context.Background()
	_, err := store.Load(ctx, "alice")
	require.ErrorIs(t, err, knowledge.ErrModelNotFound)
	require.NoError(t, store.Save(ctx, fitted(t, "alice", 1)))
	require.NoError(t, store.Save(ctx, fitted(t, "alice", 2)))
	loaded, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.Equal(t, "alice", loaded.Key)
	_, err = store.Load(ctx, "bob")
	assert.ErrorIs(t, err, knowledge.ErrModelNotFound)
}

func TestModelStores(t *testing.T) {
	t.Run("Should persist in memory", func(t *testing.T) {
		testModelStore(t, NewMemoryStore())
	})
	t.Run("Should persist on a filesystem", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		store, err := NewFileStore(fs, "/models")
		require.NoError(t, err)
		testModelStore(t, store)
		entries, err := afero.ReadDir(fs, "/models")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, strings.HasSuffix(entries[0].Name(), ".json"))
	})
	t.Run("Should persist in redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		testModelStore(t, NewRedisStore(client, "test"))
		assert.True(t, mr.Exists("test:model:alice"))
	})
	t.Run("Should report redis outages as store unavailable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = client.Close() })
		mr.Close()
		_, err := NewRedisStore(client, "").Load(context.Background(), "alice")
		assert.ErrorIs(t, err, knowledge.ErrStoreUnavailable)
	})
}
