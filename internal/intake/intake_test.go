package intake

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/unixpickle/asynclearner/internal/slot"
)

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("test", true)
}

func descriptor(workerIdx, envIdx int, minVersion int64) Descriptor {
	return Descriptor{
		Key: slot.Key{
			WorkerIdx: workerIdx,
			SplitIdx:  0,
			EnvIdx:    envIdx,
			AgentIdx:  0,
		},
		Length:           8,
		EnvSteps:         8,
		MinPolicyVersion: minVersion,
	}
}

// TestDiscardUnderLag matches spec.md §8 scenario 2: three rollouts
// admitted at policy_version 0 go stale once train_step reaches 10 under
// max_policy_lag 5, so they're discarded from the head and only the three
// fresh rollouts remain for the next macro-batch.
func TestDiscardUnderLag(t *testing.T) {
	in := New(slot.New(), discardLogger())

	for i := 0; i < 3; i++ {
		in.Admit(descriptor(0, i, 0))
	}
	in.DiscardStale(0, 5, 0)
	assert.Equal(t, int64(0), in.NumDiscardedRollouts())
	assert.Equal(t, 3, in.Pending())

	for i := 0; i < 3; i++ {
		in.Admit(descriptor(1, i, 10))
	}

	in.DiscardStale(10, 5, 0)

	assert.Equal(t, int64(3), in.NumDiscardedRollouts())
	assert.Equal(t, 3, in.Pending())

	taken, ok := in.TakeMacroBatch(3)
	assert.True(t, ok)
	assert.Len(t, taken, 3)
	for _, d := range taken {
		assert.Equal(t, 1, d.Key.WorkerIdx)
		assert.Equal(t, int64(10), d.MinPolicyVersion)
	}
	assert.Equal(t, 0, in.Pending())
}

func TestDiscardStaleStopsAtFirstFreshRollout(t *testing.T) {
	in := New(slot.New(), discardLogger())

	in.Admit(descriptor(0, 0, 0))  // stale at train_step 10, lag 10 >= 5
	in.Admit(descriptor(0, 1, 9))  // lag 1 < 5, fresh
	in.Admit(descriptor(0, 2, 0))  // would be stale, but scanning stops at index 1

	in.DiscardStale(10, 5, 0)

	assert.Equal(t, int64(1), in.NumDiscardedRollouts())
	assert.Equal(t, 2, in.Pending())
}

func TestTakeMacroBatchRequiresEnoughPending(t *testing.T) {
	in := New(slot.New(), discardLogger())
	in.Admit(descriptor(0, 0, 0))

	_, ok := in.TakeMacroBatch(2)
	assert.False(t, ok)
	assert.Equal(t, 1, in.Pending())

	taken, ok := in.TakeMacroBatch(1)
	assert.True(t, ok)
	assert.Len(t, taken, 1)
	assert.Equal(t, 0, in.Pending())
}
