package ingest

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

func TestKeyedMutex(t *testing.T) {
	t.Run("Should serialize holders of one key", func(t *testing.T) {
		k := newKeyedMutex()
		var active, peak atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := k.Lock("doc")
				n := active.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				active.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), peak.Load())
		assert.Zero(t, k.size())
	})
	t.Run("Should not block other keys", func(t *testing.T) {
		k := newKeyedMutex()
		unlockA := k.Lock("a")
		unlockB := k.Lock("b")
		assert.Equal(t, 2, k.size())
		unlockA()
		unlockB()
		assert.Zero(t, k.size())
	})
}

func TestSupersededIDs(t *testing.T) {
	t.Run("Should keep old chunk IDs not reused by the current content", func(t *testing.T) {
		stored := []knowledge.Chunk{{ID: "a"}, {ID: "b"}, {ID: "c"}}
		current := []knowledge.Chunk{{ID: "c"}, {ID: "d"}}
		assert.Equal(t, []string{"a", "b", "x"}, supersededIDs([]string{"x", "a"}, stored, current))
		assert.Nil(t, supersededIDs(nil, current, current))
	})
}
