package trainer

import "math/rand"

// minibatchIndices partitions a macro-batch of size macroBatch into
// minibatches of batchSize, each built from whole recurrence-aligned
// chunks shuffled at the chunk level so that within-chunk contiguity
// (needed for truncated BPTT) is preserved while cross-chunk ordering is
// randomized — spec.md §4.4 step 1, ported from learner.py's
// `_get_minibatches`/`_get_minibatch`.
//
// When macroBatch == batchSize there is exactly one minibatch and no
// shuffling is needed: the null-index fast path returns the identity
// ordering directly, skipping the permutation learner.py's
// `_get_minibatches` also special-cases.
func minibatchIndices(macroBatch, batchSize, recurrence int, rng *rand.Rand) [][]int {
	if macroBatch == batchSize {
		idx := make([]int, macroBatch)
		for i := range idx {
			idx[i] = i
		}
		return [][]int{idx}
	}

	numChunks := macroBatch / recurrence
	chunksPerMinibatch := batchSize / recurrence
	numMinibatches := numChunks / chunksPerMinibatch

	chunkOrder := rng.Perm(numChunks)

	minibatches := make([][]int, numMinibatches)
	for mb := 0; mb < numMinibatches; mb++ {
		indices := make([]int, 0, batchSize)
		for c := 0; c < chunksPerMinibatch; c++ {
			chunk := chunkOrder[mb*chunksPerMinibatch+c]
			start := chunk * recurrence
			for t := 0; t < recurrence; t++ {
				indices = append(indices, start+t)
			}
		}
		minibatches[mb] = indices
	}
	return minibatches
}
