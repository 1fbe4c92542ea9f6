package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New().SetMaxParallelism(parallelism)
		var running, maxRunning atomic.Int32
		results := make([]int, 20)
		err := Map(pool, len(results), func(ii int) error {
			current := running.Add(1)
			defer running.Add(-1)
			for {
				seen := maxRunning.Load()
				if current <= seen || maxRunning.CompareAndSwap(seen, current) {
					break
				}
			}
			results[ii] = ii * ii
			return nil
		})
		require.NoError(t, err)
		for ii, v := range results {
			require.Equal(t, ii*ii, v)
		}
		if parallelism > 0 {
			assert.LessOrEqualf(t, int(maxRunning.Load()), parallelism, "parallelism=%d", parallelism)
		}
		if parallelism == 0 {
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}
}

func TestMapError(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	err := Map(pool, 10, func(ii int) error {
		if ii == 3 || ii == 7 {
			return errors.Errorf("failed %d", ii)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed 3")
}
