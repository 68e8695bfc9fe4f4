// Package slot implements the Trajectory Registry (spec.md §4.1, C1): the
// learner-side half of the lock-free handshake over shared trajectory
// slots leased from rollout workers.
package slot

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Key identifies one trajectory slot, per spec.md §3: the tuple
// (worker_idx, split_idx, env_idx, agent_idx, traj_buffer_idx).
type Key struct {
	WorkerIdx     int
	SplitIdx      int
	EnvIdx        int
	AgentIdx      int
	TrajBufferIdx int
}

// splitKey identifies one (worker_idx, split_idx) readiness bitmap.
type splitKey struct {
	WorkerIdx int
	SplitIdx  int
}

// Bitmap is a readiness bitmap shared with a rollout worker: 1 means the
// slot is free for the rollout worker to reuse, 0 means the learner still
// references it. Entries are flipped with atomic release-stores so the
// transition is visible to the peer process without a lock.
type Bitmap struct {
	bits []int32
}

// NewBitmap wraps a raw readiness tensor announced via INIT_TENSORS.
func NewBitmap(raw []int32) *Bitmap {
	return &Bitmap{bits: raw}
}

func (b *Bitmap) index(envIdx, agentIdx, trajBufferIdx, numAgents, numTrajBuffers int) int {
	return (envIdx*numAgents+agentIdx)*numTrajBuffers + trajBufferIdx
}

// Registry tracks every trajectory slot leased to the learner and the
// readiness bitmaps used to release them back to their rollout worker.
//
// Per spec.md's invariant, a slot is at all times either referenced by
// exactly one rollout descriptor (readiness bit 0) or free (readiness bit
// 1) — never both.
type Registry struct {
	mu sync.Mutex

	tensors   map[Key]interface{}
	bitmaps   map[splitKey]*Bitmap
	layout    map[splitKey]splitLayout
}

type splitLayout struct {
	numAgents      int
	numTrajBuffers int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tensors: make(map[Key]interface{}),
		bitmaps: make(map[splitKey]*Bitmap),
		layout:  make(map[splitKey]splitLayout),
	}
}

// RegisterTensors attaches tensor handles for every (env,agent) pair in a
// split at a given traj_buffer_idx. It fails if any key is already
// present, matching spec.md's "fails if the key is already present".
func (r *Registry) RegisterTensors(workerIdx, splitIdx, trajBufferIdx int, tensors map[[2]int]interface{}, readiness []int32, numAgents int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for envAgent, handle := range tensors {
		key := Key{
			WorkerIdx:     workerIdx,
			SplitIdx:      splitIdx,
			EnvIdx:        envAgent[0],
			AgentIdx:      envAgent[1],
			TrajBufferIdx: trajBufferIdx,
		}
		if _, exists := r.tensors[key]; exists {
			return fmt.Errorf("slot already registered: %+v", key)
		}
		r.tensors[key] = handle
	}

	sk := splitKey{WorkerIdx: workerIdx, SplitIdx: splitIdx}
	r.bitmaps[sk] = NewBitmap(readiness)

	numTrajBuffers := 1
	if existing, ok := r.layout[sk]; ok {
		numTrajBuffers = existing.numTrajBuffers
		if trajBufferIdx+1 > numTrajBuffers {
			numTrajBuffers = trajBufferIdx + 1
		}
	} else if trajBufferIdx+1 > numTrajBuffers {
		numTrajBuffers = trajBufferIdx + 1
	}
	r.layout[sk] = splitLayout{numAgents: numAgents, numTrajBuffers: numTrajBuffers}

	return nil
}

// Lookup returns the tensor handle leased under key, if any.
func (r *Registry) Lookup(key Key) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.tensors[key]
	return handle, ok
}

// Release marks a slot free: the readiness bit is set with an atomic
// release-store so the rollout worker, reading with an acquire-load, can
// safely reclaim and begin writing to the slot again. Idempotent on the
// learner side, per spec.md §4.1.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	bm, ok := r.bitmaps[splitKey{WorkerIdx: key.WorkerIdx, SplitIdx: key.SplitIdx}]
	layout := r.layout[splitKey{WorkerIdx: key.WorkerIdx, SplitIdx: key.SplitIdx}]
	r.mu.Unlock()

	if !ok {
		return
	}
	idx := bm.index(key.EnvIdx, key.AgentIdx, key.TrajBufferIdx, layout.numAgents, layout.numTrajBuffers)
	if idx < 0 || idx >= len(bm.bits) {
		return
	}
	atomic.StoreInt32(&bm.bits[idx], 1)
}
