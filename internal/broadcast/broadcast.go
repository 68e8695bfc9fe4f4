// Package broadcast implements the Weight Broadcaster (spec.md §4.5, C5):
// it publishes each new policy version to rollout-worker-facing queues
// and tracks the rolling rollout-discard rate those workers use to back
// off.
//
// Grounded on original_source/algorithms/appo/learner.py's
// `_broadcast_weights` and `_discarding_rate`; the publish-to-many-
// subscribers shape mirrors the teacher's anya3c.ParamServer push model
// (a3c.go), adapted to fan out a versioned byte snapshot rather than
// anya3c's actor-side pull interface.
package broadcast

import (
	"sync"
	"time"
)

// windowSize is the sliding-window length learner.py's `_discarding_rate`
// uses to smooth the rollout discard rate.
const windowSize = 30

// Snapshot is one published policy version: the version number, the
// serialized parameters, and the discard rate observed as of publish
// time.
type Snapshot struct {
	PolicyVersion  int64
	Params         []byte // serializer.SerializeWithID(model) output
	DiscardingRate float64
}

// discardPoint is one (timestamp, cumulative discarded count) sample,
// learner.py's `_discarding_rate` window entry.
type discardPoint struct {
	at    time.Time
	total int64
}

// Broadcaster fans out policy snapshots to subscribed rollout workers and
// maintains the discard-rate sliding window.
type Broadcaster struct {
	mu sync.Mutex

	subscribers    []chan Snapshot
	window         []discardPoint
	windowPos      int
	windowFull     bool
	totalDiscarded int64
	now            func() time.Time

	latest Snapshot
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{window: make([]discardPoint, windowSize), now: time.Now}
}

// Subscribe registers a rollout worker's update channel. Publish sends
// non-blocking: a slow subscriber misses every snapshot published while
// its channel is full, and never blocks the training thread.
func (b *Broadcaster) Subscribe(buffer int) <-chan Snapshot {
	ch := make(chan Snapshot, buffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// RecordDiscard feeds one macro-batch-attempt's discard count into the
// sliding window (learner.py's `_discarding_rate` accumulator), stamping
// the running cumulative total against the current time.
func (b *Broadcaster) RecordDiscard(numDiscarded int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalDiscarded += numDiscarded
	b.window[b.windowPos] = discardPoint{at: b.now(), total: b.totalDiscarded}
	b.windowPos = (b.windowPos + 1) % windowSize
	if b.windowPos == 0 {
		b.windowFull = true
	}
}

// DiscardingRate returns (count_n - count_0) / (t_n - t_0) across the
// oldest and newest points in the 30-point window — a discard throughput,
// not a mean count. Zero until at least two points have been recorded.
func (b *Broadcaster) DiscardingRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.windowPos
	if b.windowFull {
		n = windowSize
	}
	if n < 2 {
		return 0
	}
	oldestIdx := 0
	if b.windowFull {
		oldestIdx = b.windowPos // the slot about to be overwritten next
	}
	newestIdx := (b.windowPos - 1 + windowSize) % windowSize

	oldest := b.window[oldestIdx]
	newest := b.window[newestIdx]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(newest.total-oldest.total) / dt
}

// Publish pushes a new policy snapshot to every subscriber, stamping the
// current discard rate alongside it (spec.md §4.5: "policy_version,
// param snapshot, discarding_rate").
func (b *Broadcaster) Publish(policyVersion int64, params []byte) Snapshot {
	snap := Snapshot{
		PolicyVersion:  policyVersion,
		Params:         params,
		DiscardingRate: b.DiscardingRate(),
	}

	b.mu.Lock()
	b.latest = snap
	subs := append([]chan Snapshot(nil), b.subscribers...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

// Latest returns the most recently published snapshot.
func (b *Broadcaster) Latest() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}
