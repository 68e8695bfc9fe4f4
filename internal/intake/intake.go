// Package intake implements the Rollout Intake (spec.md §4.2, C2): it
// attaches tensor handles to freshly announced rollouts, holds them in a
// FIFO pending list, and discards rollouts that have gone stale under the
// lag bound before every macro-batch attempt.
package intake

import (
	"github.com/sirupsen/logrus"

	"github.com/unixpickle/asynclearner/internal/slot"
)

// Descriptor is the in-process record of one completed rollout referencing
// a leased trajectory slot (spec.md §3).
type Descriptor struct {
	Key       slot.Key
	Length    int
	EnvSteps  int
	Tensors   interface{}

	// MinPolicyVersion is the minimum per-step policy_version tag stamped
	// across the rollout's timesteps; lag is measured against it.
	MinPolicyVersion int64
}

// Intake holds the FIFO pending-rollouts list and releases stale slots.
type Intake struct {
	registry *slot.Registry
	log      *logrus.Entry

	pending []Descriptor

	numDiscardedRollouts int64
}

// New creates an Intake bound to the learner's trajectory registry.
func New(registry *slot.Registry, log *logrus.Entry) *Intake {
	return &Intake{registry: registry, log: log}
}

// Admit resolves a TRAIN announcement's rollout refs into descriptors
// (via the registry lookup the coordinator already performed) and appends
// them to the pending list. No copying occurs here, per spec.md §4.2.
func (in *Intake) Admit(d Descriptor) {
	in.pending = append(in.pending, d)
}

// Pending returns the number of rollouts currently waiting to be batched.
func (in *Intake) Pending() int {
	return len(in.pending)
}

// NumDiscardedRollouts is the running discard counter (spec.md §4.2 and
// the "Discard under lag" testable scenario in spec.md §8).
func (in *Intake) NumDiscardedRollouts() int64 {
	return in.numDiscardedRollouts
}

// DiscardStale removes stale rollouts from the head of the pending list.
// A rollout is stale when trainStep - rollout.MinPolicyVersion >=
// maxPolicyLag. Discard only proceeds contiguously from the head: once a
// non-stale rollout is seen, scanning stops (spec.md §4.2's rationale:
// FIFO discard preserves simple causality and avoids repeated scanning).
func (in *Intake) DiscardStale(trainStep int64, maxPolicyLag int, policyID int) {
	discarded := 0
	i := 0
	for ; i < len(in.pending); i++ {
		lag := trainStep - in.pending[i].MinPolicyVersion
		if lag < int64(maxPolicyLag) {
			break
		}
		in.registry.Release(in.pending[i].Key)
		discarded++
	}
	if discarded == 0 {
		return
	}

	in.pending = in.pending[discarded:]
	in.numDiscardedRollouts += int64(discarded)

	// spec.md §9: the original's warning logs self.policy_id in the "%d
	// rollouts" position; preserve the semantics, not the wording.
	in.log.Warnf("discarding %d rollouts; learner id %d", discarded, policyID)
}

// TakeMacroBatch removes and returns the oldest n descriptors if at least
// n are pending, leaving the remainder in the list; ok is false if fewer
// than n rollouts are currently pending.
func (in *Intake) TakeMacroBatch(n int) (taken []Descriptor, ok bool) {
	if len(in.pending) < n {
		return nil, false
	}
	taken = in.pending[:n]
	in.pending = in.pending[n:]
	return taken, true
}
