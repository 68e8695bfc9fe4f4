package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDiscardingRateIsThroughputOverWindow(t *testing.T) {
	b := New()
	start := time.Unix(1000, 0)

	b.now = func() time.Time { return start }
	b.RecordDiscard(0) // window[0] = (start, 0)

	for i := 1; i < windowSize; i++ {
		at := start.Add(time.Duration(i) * time.Second)
		b.now = func() time.Time { return at }
		b.RecordDiscard(2)
	}

	// 29 intervals of 2 discards/second between the oldest and newest point.
	assert.InDelta(t, 2.0, b.DiscardingRate(), 1e-9)
}

func TestDiscardingRateZeroUntilTwoPoints(t *testing.T) {
	b := New()
	assert.Equal(t, 0.0, b.DiscardingRate())

	b.RecordDiscard(4)
	assert.Equal(t, 0.0, b.DiscardingRate())
}

func TestDiscardingRateWindowRotates(t *testing.T) {
	b := New()
	start := time.Unix(2000, 0)

	for i := 0; i < windowSize; i++ {
		at := start.Add(time.Duration(i) * time.Second)
		b.now = func() time.Time { return at }
		b.RecordDiscard(1)
	}
	firstRate := b.DiscardingRate()
	assert.InDelta(t, 1.0, firstRate, 1e-9)

	// Push windowSize more entries at a faster discard rate; the window
	// should have fully rotated past the first batch of points.
	for i := windowSize; i < 2*windowSize; i++ {
		at := start.Add(time.Duration(i) * time.Second)
		b.now = func() time.Time { return at }
		b.RecordDiscard(3)
	}
	assert.InDelta(t, 3.0, b.DiscardingRate(), 1e-9)
}

func TestPublishStampsLatestDiscardingRate(t *testing.T) {
	b := New()
	start := time.Unix(3000, 0)

	b.now = func() time.Time { return start }
	b.RecordDiscard(0)
	later := start.Add(2 * time.Second)
	b.now = func() time.Time { return later }
	b.RecordDiscard(8)

	snap := b.Publish(7, []byte("weights"))

	assert.Equal(t, int64(7), snap.PolicyVersion)
	assert.InDelta(t, 4.0, snap.DiscardingRate, 1e-9)
	assert.Equal(t, snap, b.Latest())
}

func TestPublishDoesNotBlockOnFullSubscriberChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)

	b.Publish(1, nil)
	b.Publish(2, nil) // subscriber channel is now full; must not block

	snap := <-sub
	assert.Equal(t, int64(1), snap.PolicyVersion)
}
