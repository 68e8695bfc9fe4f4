// Package batch implements the Batch Assembler (spec.md §4.3, C3): it
// turns a macro-batch's worth of pending rollouts into the flat tensors
// the training engine slices into minibatches.
package batch

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/unixpickle/asynclearner/internal/intake"
)

// Rollout is the host-side numeric view of one admitted rollout: the
// scalar time series the batch assembler needs math over, plus an
// opaque handle for everything else (observations, actions, recurrent
// state, action logits) that only needs to be concatenated, never
// computed on, grounded on learner.py's `_prepare_train_buffer`
// treating most buffer fields as pass-through.
type Rollout struct {
	Key intake.Descriptor

	Rewards       []float64
	Dones         []float64
	Values        []float64
	PolicyVersion []float64

	// Opaque fields the assembler concatenates but never touches
	// arithmetically: observations, actions, log-prob of action taken,
	// action logits, recurrent state snapshots. Each is keyed by field
	// name; values are per-timestep opaque tensors.
	Opaque map[string][]interface{}
}

// Buffer is one assembled macro-batch: flattened [E*T, ...] fields ready
// for internal/trainer to slice into minibatches.
type Buffer struct {
	SampleCount  int
	EnvStepCount int

	Advantages []float64
	Returns    []float64

	Opaque map[string][]interface{}
}

// Assembler turns admitted rollouts into Buffers, per spec.md §4.3.
type Assembler struct {
	Gamma              float64
	GAELambda          float64
	NormalizeAdvantage bool
}

// Assemble implements spec.md §4.3 steps 1-4: slice, transpose to
// dict-of-lists (already the Rollout shape here), compute GAE, then
// concatenate along the time axis into flat per-sample fields.
func (a *Assembler) Assemble(rollouts []Rollout) (*Buffer, error) {
	if len(rollouts) == 0 {
		return nil, errors.New("assemble: empty macro-batch")
	}

	rewards := make([][]float64, len(rollouts))
	dones := make([][]float64, len(rollouts))
	values := make([][]float64, len(rollouts))
	for i, r := range rollouts {
		if len(r.Rewards) != len(r.Dones) || len(r.Rewards) != len(r.Values) {
			return nil, errors.Errorf("assemble: rollout %d has mismatched field lengths", i)
		}
		rewards[i] = r.Rewards
		dones[i] = r.Dones
		values[i] = r.Values
	}

	extendedValues := SynthesizeBootstrap(values, rewards, a.Gamma)

	rewardsT := Transpose2D(rewards)
	donesT := Transpose2D(dones)
	valuesT := Transpose2D(extendedValues)

	advT, retT := ComputeGAE(rewardsT, donesT, valuesT, a.Gamma, a.GAELambda)
	adv := Transpose2D(advT)
	ret := Transpose2D(retT)

	buf := &Buffer{Opaque: make(map[string][]interface{})}
	for i, r := range rollouts {
		buf.Advantages = append(buf.Advantages, adv[i]...)
		buf.Returns = append(buf.Returns, ret[i]...)
		buf.EnvStepCount += r.Key.EnvSteps
		for field, series := range r.Opaque {
			buf.Opaque[field] = append(buf.Opaque[field], series...)
		}
		// Raw reward/done/value time series are kept alongside the GAE
		// advantages/returns so the training engine can recompute V-trace
		// targets per minibatch pass when with_vtrace is enabled
		// (spec.md §4.4 step 7); GAE above remains the with_vtrace=false
		// path.
		for _, v := range r.Rewards {
			buf.Opaque["reward"] = append(buf.Opaque["reward"], v)
		}
		for _, v := range r.Dones {
			buf.Opaque["done"] = append(buf.Opaque["done"], v)
		}
		for _, v := range r.Values {
			buf.Opaque["behavior_value"] = append(buf.Opaque["behavior_value"], v)
		}
	}
	buf.SampleCount = len(buf.Advantages)

	if a.NormalizeAdvantage {
		Normalize(buf.Advantages)
	}

	return buf, nil
}

// Gather pulls out the samples at indices for a flat scalar field
// (advantages or returns), preserving order. Used by internal/trainer to
// slice a macro-batch into recurrence-aligned minibatches.
func (b *Buffer) Gather(field []float64, indices []int) []float64 {
	out := make([]float64, len(indices))
	for i, idx := range indices {
		out[i] = field[idx]
	}
	return out
}

// GatherOpaque is Gather's counterpart for the pass-through tensor
// fields (observations, actions, recurrent state, behavior log-probs).
func (b *Buffer) GatherOpaque(fieldName string, indices []int) []interface{} {
	field := b.Opaque[fieldName]
	out := make([]interface{}, len(indices))
	for i, idx := range indices {
		out[i] = field[idx]
	}
	return out
}

// Normalize rescales xs to zero mean, dividing by max(1e-2, std) rather
// than std itself, matching the teacher's PPO normalization (ppo.go's
// normalizeAdv) and spec.md §4.3 step 3 / §4.4 step 7's shared "normalize
// by mean and max(1e-2, std)" formula — the floor bounds amplification for
// near-zero-variance batches, unlike a bare std+epsilon denominator. Uses
// gonum/stat for the moments, the numeric library samuelfneumann-GoLearn
// pulls in for this exact kind of host-side statistics. Exported so
// internal/trainer can apply the same formula to V-trace advantages,
// which are normalized unconditionally rather than behind
// NormalizeAdvantage.
func Normalize(xs []float64) {
	if len(xs) == 0 {
		return
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if std < 1e-2 {
		std = 1e-2
	}
	for i := range xs {
		xs[i] = (xs[i] - mean) / std
	}
}
