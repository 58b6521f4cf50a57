package valuation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextID_ConcurrentCallsAreUnique(t *testing.T) {
	const (
		goroutines = 16
		perG       = 500
	)
	ids := make(chan int64, goroutines*perG)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				ids <- NextID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, goroutines*perG)
	for id := range ids {
		require.Positive(t, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, goroutines*perG)
}

func TestInitIDGenerator_FirstCallWins(t *testing.T) {
	_ = NextID()
	// 节点已建立，后续参数 (即使非法) 不再生效
	assert.NoError(t, InitIDGenerator(5000))
	assert.NotZero(t, NextID())
}
