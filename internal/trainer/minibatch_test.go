package trainer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinibatchIndicesNullIndexFastPath(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	mbs := minibatchIndices(64, 64, 8, rng)

	assert.Len(t, mbs, 1)
	for i, idx := range mbs[0] {
		assert.Equal(t, i, idx)
	}
}

func TestMinibatchIndicesPreservesRecurrenceChunks(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const macroBatch, batchSize, recurrence = 64, 16, 8
	mbs := minibatchIndices(macroBatch, batchSize, recurrence, rng)

	assert.Len(t, mbs, macroBatch/batchSize)

	seen := make(map[int]bool)
	for _, mb := range mbs {
		assert.Len(t, mb, batchSize)
		for c := 0; c < batchSize/recurrence; c++ {
			chunkStart := mb[c*recurrence]
			assert.Equal(t, 0, chunkStart%recurrence, "chunk must start on a recurrence boundary")
			for step := 0; step < recurrence; step++ {
				idx := mb[c*recurrence+step]
				assert.Equal(t, chunkStart+step, idx)
				assert.False(t, seen[idx], "index %d seen twice", idx)
				seen[idx] = true
			}
		}
	}
	assert.Len(t, seen, macroBatch)
}
