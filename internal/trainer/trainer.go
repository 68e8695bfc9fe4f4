// Package trainer implements the Training Engine (spec.md §4.4, C4): the
// truncated-BPTT minibatch loop that turns an assembled macro-batch into
// an optimizer step, with V-trace or GAE advantages, the PPO clipped
// objective, adaptive KL control, and gradient clipping.
//
// Grounded on original_source/algorithms/appo/learner.py's `_train`
// method end to end, and on the teacher's ppo.go for the Adam wiring
// idiom (anysgd.Adam transforming a hand-assembled anydiff.Grad, then
// applying it to the model's parameters).
package trainer

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"

	"github.com/unixpickle/asynclearner/internal/batch"
	"github.com/unixpickle/asynclearner/internal/config"
	"github.com/unixpickle/asynclearner/internal/model"
	"github.com/unixpickle/asynclearner/internal/vtrace"
)

// Field names the batch assembler is expected to have populated under
// Buffer.Opaque; spec.md §3's observation/action/recurrent-state fields.
// FieldRNNState names the recorded recurrent state, which the training
// engine does not read: every recurrence window starts from
// Core.InitState.
const (
	FieldObs             = "obs"
	FieldAction          = "action"
	FieldBehaviorLogProb = "behavior_log_prob"
	FieldBehaviorParams  = "behavior_params"
	FieldRNNState        = "rnn_state"
)

// Stats is one minibatch's worth of loss and diagnostic values, reported
// at the rate spec.md §4.4's summary-rate schedule allows.
type Stats struct {
	PolicyLoss float64
	ValueLoss  float64
	PriorLoss  float64
	KLPenalty  float64
	MeanKL     float64
	KLCoeff    float64
	GradNorm   float64
	Entropy    float64
}

// Trainer owns the model, optimizer state, and adaptive-KL coefficient
// across training-worker steps. Not safe for concurrent Step calls; the
// coordinator (internal/coordinator) runs exactly one training thread.
type Trainer struct {
	Model   *model.ActorCritic
	Adam    *anysgd.Adam
	Cfg     *config.Hot
	Creator anyvec.Creator
	Log     *logrus.Entry

	KLCoeff   float64
	TrainStep int64
	EnvSteps  int64

	rng *rand.Rand
}

// New builds a Trainer around an already-constructed model and Adam
// gradienter, seeded per cfg.Seed for reproducible minibatch shuffling.
func New(m *model.ActorCritic, creator anyvec.Creator, cfg *config.Hot, log *logrus.Entry) *Trainer {
	c := cfg.Get()
	adam := &anysgd.Adam{
		Beta1: c.AdamBeta1,
		Beta2: c.AdamBeta2,
		Epsilon: c.AdamEps,
	}
	return &Trainer{
		Model:   m,
		Adam:    adam,
		Cfg:     cfg,
		Creator: creator,
		Log:     log,
		KLCoeff: c.InitialKLCoeff,
		rng:     rand.New(rand.NewSource(int64(c.Seed))),
	}
}

// Step runs cfg.PPOEpochs passes over buf's minibatches, applying one
// optimizer update per minibatch, and returns the stats for the last
// minibatch processed (spec.md §4.4 steps 1-9).
func (tr *Trainer) Step(buf *batch.Buffer) (*Stats, error) {
	cfg := tr.Cfg.Get()

	var last *Stats
	for epoch := 0; epoch < cfg.PPOEpochs; epoch++ {
		minibatches := minibatchIndices(buf.SampleCount, cfg.BatchSize, cfg.Recurrence, tr.rng)
		for _, indices := range minibatches {
			stats, err := tr.stepMinibatch(buf, indices, cfg)
			if err != nil {
				return nil, err
			}
			last = stats
			tr.TrainStep++
			tr.adjustKLCoeff(stats.MeanKL, cfg.TargetKL)
		}
	}
	return last, nil
}

// stepMinibatch runs the forward pass, loss, backward pass, gradient
// clip, and Adam update for one recurrence-aligned minibatch.
func (tr *Trainer) stepMinibatch(buf *batch.Buffer, indices []int, cfg config.Config) (*Stats, error) {
	chunksPerMinibatch := cfg.BatchSize / cfg.Recurrence

	obsSeq := buf.GatherOpaque(FieldObs, indices)
	actionSeq := buf.GatherOpaque(FieldAction, indices)
	behaviorLogProbSeq := behaviorLogProbFloats(buf, indices)
	behaviorParamsSeq := buf.GatherOpaque(FieldBehaviorParams, indices)

	advantages := buf.Gather(buf.Advantages, indices)
	returns := buf.Gather(buf.Returns, indices)
	if cfg.WithVtrace {
		var err error
		advantages, returns, err = tr.vtraceTargets(buf, indices, chunksPerMinibatch, cfg)
		if err != nil {
			return nil, err
		}
	}

	doneSeq := floatField(buf, "done", indices)

	state := tr.Model.Core.InitState(chunksPerMinibatch, tr.Creator)
	stateSize := tr.Model.Core.StateSize()

	var policyLossTerms, valueLossTerms, priorLossTerms, klTerms []anydiff.Res
	var klSum, entropySum float64
	var klCount int

	for t := 0; t < cfg.Recurrence; t++ {
		obsVec, ok := concatOpaqueVectors(obsSeq, t, chunksPerMinibatch, cfg.Recurrence)
		if !ok {
			return nil, errInvalidOpaqueField(FieldObs)
		}

		headOut := tr.Model.Head.Apply(obsVec, chunksPerMinibatch)
		mask := stepMask(tr.Creator, doneSeq, t, chunksPerMinibatch, cfg.Recurrence, stateSize)
		coreOut, nextState := tr.Model.Core.Step(headOut, state, mask)
		state = nextState
		values, actionParams := tr.Model.Tail.Apply(coreOut, chunksPerMinibatch)

		actions, ok := concatOpaqueVectors(actionSeq, t, chunksPerMinibatch, cfg.Recurrence)
		if !ok {
			return nil, errInvalidOpaqueField(FieldAction)
		}
		dist := tr.Model.Tail.ActionSpace()
		logProb := dist.LogProb(actionParams, actions, chunksPerMinibatch)

		ratioLog := anydiff.Sub(logProb, anydiff.NewConst(hostVector(tr.Creator, behaviorLogProbSeq, t, chunksPerMinibatch, cfg.Recurrence)))
		ratio := anydiff.Exp(ratioLog)

		adv := anydiff.NewConst(hostVector(tr.Creator, advantages, t, chunksPerMinibatch, cfg.Recurrence))
		ret := anydiff.NewConst(hostVector(tr.Creator, returns, t, chunksPerMinibatch, cfg.Recurrence))

		policyLossTerms = append(policyLossTerms, ppoClippedLoss(ratio, adv, cfg.PPOClipRatio))
		valueLossTerms = append(valueLossTerms, valueLoss(values, ret, cfg.PPOClipValue))

		priorLossTerms = append(priorLossTerms, anydiff.Mean(dist.KLPrior(actionParams, chunksPerMinibatch)))

		behaviorParams, ok := concatOpaqueVectors(behaviorParamsSeq, t, chunksPerMinibatch, cfg.Recurrence)
		if !ok {
			return nil, errInvalidOpaqueField(FieldBehaviorParams)
		}
		kl := dist.KLDivergence(actionParams, behaviorParams, chunksPerMinibatch)
		klTerms = append(klTerms, anydiff.Mean(kl))
		klSum += anyvec.Sum(kl.Output()).(float64)
		entropySum += anyvec.Sum(dist.Entropy(actionParams, chunksPerMinibatch).Output()).(float64)
		klCount += chunksPerMinibatch
	}

	policyLoss := sumRes(policyLossTerms)
	valueLossTotal := sumRes(valueLossTerms)
	priorLoss := sumRes(priorLossTerms)
	klLoss := sumRes(klTerms)

	scaledValue := anydiff.Scale(valueLossTotal, tr.Creator.MakeNumeric(cfg.ValueLossCoeff))
	scaledPrior := anydiff.Scale(priorLoss, tr.Creator.MakeNumeric(cfg.PriorLossCoeff))
	scaledKL := anydiff.Scale(klLoss, tr.Creator.MakeNumeric(tr.KLCoeff))

	total := anydiff.Add(anydiff.Add(policyLoss, scaledValue), anydiff.Add(scaledPrior, scaledKL))

	params := tr.Model.Parameters()
	grad := anydiff.NewGrad(params...)
	total.Propagate(tr.Creator.MakeVectorData(tr.Creator.MakeNumericList([]float64{1})), grad)

	gradNorm := clipGradNorm(grad, cfg.MaxGradNorm)

	transformed := tr.Adam.Transform(grad)
	transformed.AddToVars(-cfg.LearningRate)

	meanKL := klSum / float64(klCount)

	return &Stats{
		PolicyLoss: scalar(policyLoss),
		ValueLoss:  scalar(valueLossTotal),
		PriorLoss:  scalar(priorLoss),
		KLPenalty:  scalar(klLoss),
		MeanKL:     meanKL,
		KLCoeff:    tr.KLCoeff,
		GradNorm:   gradNorm,
		Entropy:    entropySum / float64(klCount),
	}, nil
}

// adjustKLCoeff implements learner.py's adaptive-KL block: the
// coefficient is multiplied or divided by 1.5 depending on which side of
// 1.5x / (1/1.5x the target bound the observed mean KL falls, floored at
// 1e-6 so it never collapses to (and stays stuck at) zero.
func (tr *Trainer) adjustKLCoeff(meanKL, targetKL float64) {
	switch {
	case meanKL > targetKL*1.5:
		tr.KLCoeff *= 1.5
	case meanKL < targetKL/1.5:
		tr.KLCoeff /= 1.5
	}
	if tr.KLCoeff < 1e-6 {
		tr.KLCoeff = 1e-6
	}
}

// ppoClippedLoss is the PPO surrogate objective: -mean(min(ratio*adv,
// clip(ratio, 1/clipRatio, clipRatio)*adv)), the teacher's ppo.go surrogate
// with the min taken via a+b-|a-b| rather than a branch, so it stays
// differentiable through anydiff.
func ppoClippedLoss(ratio, advantage anydiff.Res, clipRatio float64) anydiff.Res {
	unclipped := anydiff.Mul(ratio, advantage)
	clippedRatio := clampRes(ratio, 1/clipRatio, clipRatio)
	clipped := anydiff.Mul(clippedRatio, advantage)
	surrogate := minRes(unclipped, clipped)
	return anydiff.Scale(anydiff.Mean(surrogate), surrogate.Output().Creator().MakeNumeric(-1))
}

// valueLoss is the mean squared error between predicted value and the
// return target (spec.md §4.4 step 6).
func valueLoss(values, returns anydiff.Res, clipValue float64) anydiff.Res {
	_ = clipValue // value clipping is not applied; clipValue is unused
	diff := anydiff.Sub(values, returns)
	sq := anydiff.Square(diff)
	return anydiff.Mean(sq)
}

// clampRes clamps x elementwise to [lo, hi] using two ReLUs:
// clamp(x) = lo + relu(x-lo) - relu(x-hi).
func clampRes(x anydiff.Res, lo, hi float64) anydiff.Res {
	c := x.Output().Creator()
	shiftedLo := anydiff.AddScalar(x, c.MakeNumeric(-lo))
	shiftedHi := anydiff.AddScalar(x, c.MakeNumeric(-hi))
	return anydiff.AddScalar(
		anydiff.Sub(anydiff.ClipPositive(shiftedLo), anydiff.ClipPositive(shiftedHi)),
		c.MakeNumeric(lo),
	)
}

// minRes computes elementwise min(a, b) = (a+b-|a-b|)/2.
func minRes(a, b anydiff.Res) anydiff.Res {
	c := a.Output().Creator()
	sum := anydiff.Add(a, b)
	absDiff := anydiff.Abs(anydiff.Sub(a, b))
	return anydiff.Scale(anydiff.Sub(sum, absDiff), c.MakeNumeric(0.5))
}

// sumRes adds a sequence of per-timestep loss terms into one scalar
// result, averaged implicitly since each term is already a mean over its
// timestep's batch.
func sumRes(terms []anydiff.Res) anydiff.Res {
	sum := terms[0]
	for _, t := range terms[1:] {
		sum = anydiff.Add(sum, t)
	}
	return anydiff.Scale(sum, sum.Output().Creator().MakeNumeric(1/float64(len(terms))))
}

func scalar(r anydiff.Res) float64 {
	data := anyvec.Sum(r.Output())
	if f, ok := data.(float64); ok {
		return f
	}
	return 0
}

func errInvalidOpaqueField(name string) error {
	return invalidFieldError(name)
}

type invalidFieldError string

func (e invalidFieldError) Error() string {
	return "trainer: opaque field " + string(e) + " has unexpected type"
}

func behaviorLogProbFloats(buf *batch.Buffer, indices []int) []float64 {
	out := make([]float64, len(indices))
	raw := buf.Opaque[FieldBehaviorLogProb]
	for i, idx := range indices {
		out[i] = raw[idx].(float64)
	}
	return out
}

// chunkTimeIndex returns xs's flat position for chunk c at timestep t,
// matching minibatchIndices' chunk-major layout (internal/trainer/
// minibatch.go: mb[c*recurrence+step]) rather than a time-major one.
func chunkTimeIndex(c, t, recurrence int) int {
	return c*recurrence + t
}

// floatsAtTime gathers the chunksPerMinibatch values at timestep t across
// every chunk in a chunk-major-laid-out series.
func floatsAtTime(xs []float64, t, chunksPerMinibatch, recurrence int) []float64 {
	out := make([]float64, chunksPerMinibatch)
	for c := 0; c < chunksPerMinibatch; c++ {
		out[c] = xs[chunkTimeIndex(c, t, recurrence)]
	}
	return out
}

// hostVector is floatsAtTime packaged as a host anyvec.Vector.
func hostVector(c anyvec.Creator, xs []float64, t, chunksPerMinibatch, recurrence int) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(floatsAtTime(xs, t, chunksPerMinibatch, recurrence)))
}

// concatOpaqueVectors gathers and concatenates the chunksPerMinibatch
// opaque anyvec.Vector entries at timestep t across every chunk, in the
// same chunk-major order floatsAtTime uses.
func concatOpaqueVectors(xs []interface{}, t, chunksPerMinibatch, recurrence int) (anyvec.Vector, bool) {
	first, ok := xs[chunkTimeIndex(0, t, recurrence)].(anyvec.Vector)
	if !ok {
		return nil, false
	}
	out := first
	for c := 1; c < chunksPerMinibatch; c++ {
		v, ok := xs[chunkTimeIndex(c, t, recurrence)].(anyvec.Vector)
		if !ok {
			return nil, false
		}
		out = out.Creator().Concat(out, v)
	}
	return out, true
}

// stepMask builds the recurrent-state reset mask for timestep t: the
// model's rnnState carried into this step is zeroed for any chunk whose
// previous timestep ended an episode (spec.md §4.4 step 3, "zero
// rnn_states wherever dones[i]=1"). Timestep 0 always gets an all-ones
// mask since InitState already starts the state at zero.
func stepMask(c anyvec.Creator, dones []float64, t, chunksPerMinibatch, recurrence, stateSize int) anyvec.Vector {
	mask := make([]float64, chunksPerMinibatch)
	if t == 0 {
		for i := range mask {
			mask[i] = 1
		}
	} else {
		prev := floatsAtTime(dones, t-1, chunksPerMinibatch, recurrence)
		for i, d := range prev {
			if d == 0 {
				mask[i] = 1
			}
		}
	}
	repeated := make([]float64, 0, chunksPerMinibatch*stateSize)
	for _, m := range mask {
		for i := 0; i < stateSize; i++ {
			repeated = append(repeated, m)
		}
	}
	return c.MakeVectorData(c.MakeNumericList(repeated))
}

// clipGradNorm scales grad in place so its global L2 norm does not
// exceed maxNorm, returning the pre-clip norm (spec.md §4.4 step 8).
func clipGradNorm(grad anydiff.Grad, maxNorm float64) float64 {
	var sumSq float64
	for _, v := range grad {
		n := anyvec.Norm(v)
		f, ok := n.(float64)
		if !ok {
			continue
		}
		sumSq += f * f
	}
	norm := math.Sqrt(sumSq)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, v := range grad {
			v.Scale(v.Creator().MakeNumeric(scale))
		}
	}
	return norm
}

// vtraceTargets recomputes V-trace value targets and advantages for this
// minibatch using the current policy: a first forward pass collects
// host-side current log-probs (to form importance ratios) and values,
// then internal/vtrace's backward recurrence turns those into targets,
// per spec.md §4.4 step 7. The differentiable forward pass in
// stepMinibatch is run separately against these targets and recomputes
// the importance ratios itself for the PPO surrogate.
func (tr *Trainer) vtraceTargets(buf *batch.Buffer, indices []int, chunksPerMinibatch int, cfg config.Config) (advantages, returns []float64, err error) {
	obsSeq := buf.GatherOpaque(FieldObs, indices)
	actionSeq := buf.GatherOpaque(FieldAction, indices)
	behaviorLogProbSeq := behaviorLogProbFloats(buf, indices)
	rewardSeq := floatField(buf, "reward", indices)
	doneSeq := floatField(buf, "done", indices)
	behaviorValueSeq := floatField(buf, "behavior_value", indices)

	T := cfg.Recurrence
	rewards := make([][]float64, T)
	dones := make([][]float64, T)
	ratios := make([][]float64, T)
	values := make([][]float64, T+1)

	state := tr.Model.Core.InitState(chunksPerMinibatch, tr.Creator)
	stateSize := tr.Model.Core.StateSize()
	dist := tr.Model.Tail.ActionSpace()

	for t := 0; t < T; t++ {
		obsVec, ok := concatOpaqueVectors(obsSeq, t, chunksPerMinibatch, T)
		if !ok {
			return nil, nil, errInvalidOpaqueField(FieldObs)
		}
		headOut := tr.Model.Head.Apply(obsVec, chunksPerMinibatch)
		mask := stepMask(tr.Creator, doneSeq, t, chunksPerMinibatch, T, stateSize)
		coreOut, nextState := tr.Model.Core.Step(headOut, state, mask)
		state = nextState
		valuesOut, actionParams := tr.Model.Tail.Apply(coreOut, chunksPerMinibatch)

		actions, ok := concatOpaqueVectors(actionSeq, t, chunksPerMinibatch, T)
		if !ok {
			return nil, nil, errInvalidOpaqueField(FieldAction)
		}
		logProb := dist.LogProb(actionParams, actions, chunksPerMinibatch)

		rewards[t] = floatsAtTime(rewardSeq, t, chunksPerMinibatch, T)
		dones[t] = floatsAtTime(doneSeq, t, chunksPerMinibatch, T)

		logProbSlice := toFloatSlice(logProb.Output())
		behaviorSlice := floatsAtTime(behaviorLogProbSeq, t, chunksPerMinibatch, T)
		ratio := make([]float64, chunksPerMinibatch)
		for i := range ratio {
			ratio[i] = math.Exp(logProbSlice[i] - behaviorSlice[i])
		}
		ratios[t] = ratio
		values[t] = toFloatSlice(valuesOut.Output())
	}
	// Bootstrap value for the window's final step comes straight from the
	// behavior values recorded at assembly time, since no forward pass
	// exists beyond the window boundary.
	values[T] = floatsAtTime(behaviorValueSeq, T-1, chunksPerMinibatch, T)

	vs, adv := vtrace.Targets(rewards, dones, values, ratios, cfg.Gamma)

	// Reassemble in the same chunk-major layout (pos = c*recurrence+t) the
	// rest of stepMinibatch's gather helpers expect.
	advantages = make([]float64, chunksPerMinibatch*T)
	returns = make([]float64, chunksPerMinibatch*T)
	for t := 0; t < T; t++ {
		for c := 0; c < chunksPerMinibatch; c++ {
			pos := chunkTimeIndex(c, t, T)
			advantages[pos] = adv[t][c]
			returns[pos] = vs[t][c]
		}
	}

	// spec.md §4.4 step 7: the V-trace advantage is normalized
	// unconditionally, unlike the GAE path's NormalizeAdvantage-gated
	// normalization (internal/batch.Assemble).
	batch.Normalize(advantages)

	return advantages, returns, nil
}

func floatField(buf *batch.Buffer, name string, indices []int) []float64 {
	raw := buf.Opaque[name]
	out := make([]float64, len(indices))
	for i, idx := range indices {
		out[i] = raw[idx].(float64)
	}
	return out
}

func toFloatSlice(v anyvec.Vector) []float64 {
	if slice, ok := v.Data().([]float64); ok {
		return slice
	}
	return make([]float64, v.Len())
}
