// Package model defines the head/core/tail contract spec.md §9 and §4.4
// leave to the neural-network architecture, plus one concrete instance
// grounded on the teacher's MakePolicy/MakeCritic (agent.go, policy.go).
//
// Everything beyond this contract — the exact trunk depth, activation
// choice, recurrent cell — is deliberately out of scope per spec.md §1;
// this package exists only so the training engine (internal/trainer) has
// something concrete to unroll and test against.
package model

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyrl"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/serializer"
)

const serializerPkg = "github.com/unixpickle/asynclearner/internal/model"

func init() {
	var h ConvHead
	var core GRUCore
	var t FCTail
	var ac ActorCritic
	var dist Categorical
	serializer.RegisterTypedDeserializer(h.SerializerType(), DeserializeConvHead)
	serializer.RegisterTypedDeserializer(core.SerializerType(), DeserializeGRUCore)
	serializer.RegisterTypedDeserializer(t.SerializerType(), DeserializeFCTail)
	serializer.RegisterTypedDeserializer(ac.SerializerType(), DeserializeActorCritic)
	serializer.RegisterTypedDeserializer(dist.SerializerType(), DeserializeCategorical)
}

// Observation is the tagged variant of spec.md §9: either a leaf tensor or
// a recursive mapping from field name to Observation. Depth is fixed and
// uniform across a run, discovered once at INIT_TENSORS time.
type Observation struct {
	Tensor anyvec.Vector
	Fields map[string]Observation
}

// IsLeaf reports whether this Observation is a tensor rather than a
// nested mapping.
func (o Observation) IsLeaf() bool {
	return o.Fields == nil
}

// ActionDistribution is the parametric distribution over actions produced
// by the tail block, matching the teacher's ActionSpace contract (actor.go)
// plus the two extra hooks the training engine needs: KLPrior (for the
// prior-loss term) and KLDivergence against a reconstructed behavior
// policy (for the KL penalty term).
//
// params is always an anydiff.Res, not a raw anyvec.Vector: the training
// engine differentiates LogProb/Entropy/KLDivergence with respect to it,
// so gradients can flow back into the tail network that produced it.
// actions and paramsB (the behavior policy's parameters, replayed from
// the rollout buffer) are plain tensors — constants, not things being
// optimized.
type ActionDistribution interface {
	LogProb(params anydiff.Res, actions anyvec.Vector, n int) anydiff.Res
	Entropy(params anydiff.Res, n int) anydiff.Res
	KLPrior(params anydiff.Res, n int) anydiff.Res
	KLDivergence(params anydiff.Res, paramsB anyvec.Vector, n int) anydiff.Res
}

// HeadBlock computes per-timestep features from raw observations,
// independent of recurrent state — spec.md §4.4 step 2
// ("head_outputs = head(obs)").
type HeadBlock interface {
	Apply(obs anyvec.Vector, batch int) anydiff.Res
}

// CoreBlock is the recurrent core stepped once per timestep inside the
// truncated-BPTT unroll (spec.md §4.4 step 3). mask is nil (no masking) or
// a batch-length 0/1 vector, repeated StateSize() times per sample, that
// zeroes rnnState wherever the previous timestep ended an episode — so a
// `done` inside a recurrence window doesn't leak state across it.
type CoreBlock interface {
	Step(headOut anydiff.Res, rnnState anydiff.Res, mask anyvec.Vector) (out, nextState anydiff.Res)
	InitState(batch int, c anyvec.Creator) anydiff.Res
	StateSize() int
}

// TailBlock maps core outputs to values and action-distribution
// parameters (spec.md §4.4 step 5).
type TailBlock interface {
	Apply(coreOut anydiff.Res, batch int) (values anydiff.Res, actionParams anydiff.Res)
	ActionSpace() ActionDistribution
	ParamLen() int
}

// ActorCritic composes the head/core/tail contract plus the optimizable
// parameter set, the shape the teacher's agent.go builds via MakeAgent and
// decomposes via DecomposeAgent.
type ActorCritic struct {
	Head HeadBlock
	Core CoreBlock
	Tail TailBlock
}

// parameterized is satisfied by any block that exposes its trainable
// variables, the shape anynet.Parameterizer takes in the teacher's stack.
type parameterized interface {
	Parameters() []*anydiff.Var
}

// Parameters returns every trainable variable across head, core, and tail,
// mirroring the teacher's anynet.AllParameters(policy) call.
func (a *ActorCritic) Parameters() []*anydiff.Var {
	var params []*anydiff.Var
	for _, b := range []interface{}{a.Head, a.Core, a.Tail} {
		if p, ok := b.(parameterized); ok {
			params = append(params, p.Parameters()...)
		}
	}
	return params
}

// SerializerType implements serializer.Serializer, the teacher's
// serializer.SaveAny/LoadAny checkpoint mechanism (ppo.go/a3c.go/clone.go).
func (a *ActorCritic) SerializerType() string {
	return serializerPkg + ".ActorCritic"
}

// Serialize concatenates head/core/tail as a serializer.SerializeSlice
// payload, the same composite-network shape anynet.Net itself uses for
// []Layer.
func (a *ActorCritic) Serialize() ([]byte, error) {
	head, ok := a.Head.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("model: head %T does not implement serializer.Serializer", a.Head)
	}
	core, ok := a.Core.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("model: core %T does not implement serializer.Serializer", a.Core)
	}
	tail, ok := a.Tail.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("model: tail %T does not implement serializer.Serializer", a.Tail)
	}
	return serializer.SerializeSlice([]serializer.Serializer{head, core, tail})
}

// DeserializeActorCritic is registered against ActorCritic's type ID.
func DeserializeActorCritic(d []byte) (serializer.Serializer, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) != 3 {
		return nil, fmt.Errorf("model: ActorCritic payload has %d parts, want 3", len(slice))
	}
	head, ok := slice[0].(HeadBlock)
	if !ok {
		return nil, fmt.Errorf("model: ActorCritic payload head is not a HeadBlock")
	}
	core, ok := slice[1].(CoreBlock)
	if !ok {
		return nil, fmt.Errorf("model: ActorCritic payload core is not a CoreBlock")
	}
	tail, ok := slice[2].(TailBlock)
	if !ok {
		return nil, fmt.Errorf("model: ActorCritic payload tail is not a TailBlock")
	}
	return &ActorCritic{Head: head, Core: core, Tail: tail}, nil
}

// ConvHead is the default HeadBlock, grounded directly on the teacher's
// MakePolicy vision trunk (policy.go): a small conv stack over stacked
// frames, with the solid-color projection trick from agent.go's
// setupVisionLayers/projectOutSolidColors.
type ConvHead struct {
	Net anynet.Net
}

// NewConvHead builds a ConvHead for observations of size w x h x d using
// the teacher's markup-based conv stack (policy.go's MakePolicy).
func NewConvHead(c anyvec.Creator, w, h, d int) (*ConvHead, error) {
	markup := fmt.Sprintf(`
		Input(w=%d, h=%d, d=%d)
		Linear(scale=0.01)
		Conv(w=4, h=4, n=16, sx=2, sy=2)
		Tanh
		Conv(w=4, h=4, n=32, sx=2, sy=2)
		Tanh
		FC(out=256)
		Tanh
	`, w, h, d)
	net, err := anyconv.FromMarkup(c, markup)
	if err != nil {
		return nil, err
	}
	trunk := net.(anynet.Net)
	projectOutSolidColors(trunk)
	return &ConvHead{Net: trunk}, nil
}

func (h *ConvHead) Apply(obs anyvec.Vector, batch int) anydiff.Res {
	in := anydiff.NewConst(obs)
	return h.Net.Apply(in, batch)
}

// Parameters implements parameterized.
func (h *ConvHead) Parameters() []*anydiff.Var {
	return anynet.AllParameters(h.Net)
}

// SerializerType implements serializer.Serializer.
func (h *ConvHead) SerializerType() string {
	return serializerPkg + ".ConvHead"
}

// Serialize delegates to the wrapped anynet.Net, preserving its own type
// header so DeserializeConvHead can hand it back to anynet's dispatch.
func (h *ConvHead) Serialize() ([]byte, error) {
	net, ok := h.Net.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("model: ConvHead net does not implement serializer.Serializer")
	}
	return serializer.SerializeWithID(net)
}

// DeserializeConvHead is registered against ConvHead's type ID.
func DeserializeConvHead(d []byte) (serializer.Serializer, error) {
	obj, err := serializer.DeserializeWithID(d)
	if err != nil {
		return nil, err
	}
	net, ok := obj.(anynet.Net)
	if !ok {
		return nil, fmt.Errorf("model: ConvHead payload is not an anynet.Net")
	}
	return &ConvHead{Net: net}, nil
}

// projectOutSolidColors zeroes the mean response to solid-color inputs, a
// conditioning trick kept verbatim from the teacher's agent.go.
func projectOutSolidColors(net anynet.Net) {
	for _, layer := range net {
		switch layer := layer.(type) {
		case *anyconv.Conv:
			filters := layer.Filters.Vector
			inDepth := layer.InputDepth
			numFilters := layer.FilterCount
			filterSize := filters.Len() / numFilters
			for i := 0; i < numFilters; i++ {
				filter := filters.Slice(i*filterSize, (i+1)*filterSize)
				negMean := anyvec.SumRows(filter, inDepth)
				negMean.Scale(negMean.Creator().MakeNumeric(-1 / float64(filterSize/inDepth)))
				anyvec.AddRepeated(filter, negMean)
			}
		case *anynet.FC:
			negMean := anyvec.SumCols(layer.Weights.Vector, layer.OutCount)
			negMean.Scale(negMean.Creator().MakeNumeric(-1 / float64(layer.InCount)))
			anyvec.AddChunks(layer.Weights.Vector, negMean)
		}
	}
}

// Categorical is a discrete-action distribution over logits, the default
// ActionDistribution grounded on the teacher's discrete action spaces
// (actor.go's KeyActor/TapActor map to one-of-N button presses). LogProb,
// Entropy, and KLDivergence delegate to anyrl.Softmax — the same
// ActionSpace the teacher hands to anypg.TRPO/anyrl.RNNRoller (ppo.go,
// trpo.go) — rather than re-deriving softmax calculus by hand.
type Categorical struct {
	NumActions int
}

// softmax is the anyrl ActionSpace Categorical defers its core
// distribution math to.
func (c Categorical) softmax() anyrl.Softmax {
	return anyrl.Softmax{}
}

// LogProb returns log softmax(params)[action] for each row, with actions
// given as a one-hot-encoded anyvec.Vector (n x NumActions).
func (c Categorical) LogProb(params anydiff.Res, actions anyvec.Vector, n int) anydiff.Res {
	return c.softmax().LogProb(params, actions, n)
}

// Entropy returns the per-row entropy of softmax(params).
func (c Categorical) Entropy(params anydiff.Res, n int) anydiff.Res {
	return c.softmax().Entropy(params, n)
}

// KLPrior penalizes divergence from a uniform prior over actions, the
// teacher's default "prior loss" regularizer (agent.go's prior-loss
// term): KL(pi || uniform) = -H(pi) + log(NumActions).
func (c Categorical) KLPrior(params anydiff.Res, n int) anydiff.Res {
	entropy := c.Entropy(params, n)
	logN := params.Output().Creator().MakeNumeric(math.Log(float64(c.NumActions)))
	return anydiff.AddScalar(anydiff.Scale(entropy, params.Output().Creator().MakeNumeric(-1)), logN)
}

// KLDivergence computes KL(pi_new || pi_old) for discrete distributions,
// used for the adaptive-KL penalty term against the behavior policy's
// recorded logits. paramsB carries no gradient, so it's wrapped as a
// constant before handing both sides to anyrl.Softmax.KL.
func (c Categorical) KLDivergence(params anydiff.Res, paramsB anyvec.Vector, n int) anydiff.Res {
	return c.softmax().KL(params, anydiff.NewConst(paramsB), n)
}

// SerializerType implements serializer.Serializer.
func (c Categorical) SerializerType() string {
	return serializerPkg + ".Categorical"
}

// Serialize encodes NumActions as a little-endian uint64, the only state
// this distribution carries.
func (c Categorical) Serialize() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(c.NumActions))
	return buf, nil
}

// DeserializeCategorical is registered against Categorical's type ID.
func DeserializeCategorical(d []byte) (serializer.Serializer, error) {
	if len(d) != 8 {
		return nil, fmt.Errorf("model: Categorical payload has %d bytes, want 8", len(d))
	}
	return Categorical{NumActions: int(binary.LittleEndian.Uint64(d))}, nil
}

// GRUCore is the default CoreBlock: a single anyrnn GRU-style layer block,
// the recurrent piece the teacher wraps in anyrnn.LayerBlock (agent.go).
type GRUCore struct {
	Block anyrnn.Block
	Size  int
}

// NewGRUCore builds a recurrent core mapping inSize features to Size
// hidden units.
func NewGRUCore(c anyvec.Creator, inSize, size int) *GRUCore {
	return &GRUCore{
		Block: &anyrnn.LayerBlock{Layer: anynet.NewFC(c, inSize, size)},
		Size:  size,
	}
}

func (g *GRUCore) Step(headOut anydiff.Res, rnnState anydiff.Res, mask anyvec.Vector) (out, nextState anydiff.Res) {
	// A single-layer affine+tanh recurrence stands in for a full GRU; the
	// exact cell is out of scope per spec.md §1, this just has to be
	// differentiable and stateful enough to exercise truncated BPTT.
	state := rnnState
	if mask != nil {
		state = anydiff.Mul(rnnState, anydiff.NewConst(mask))
	}
	fc := g.Block.(*anyrnn.LayerBlock).Layer.(*anynet.FC)
	projected := fc.Apply(headOut, headOut.Output().Len()/fc.InCount)
	combined := anydiff.Add(projected, state)
	out = anydiff.Tanh(combined)
	return out, out
}

func (g *GRUCore) InitState(batch int, c anyvec.Creator) anydiff.Res {
	return anydiff.NewConst(c.MakeVector(batch * g.Size))
}

func (g *GRUCore) StateSize() int {
	return g.Size
}

// Parameters implements parameterized.
func (g *GRUCore) Parameters() []*anydiff.Var {
	return anynet.AllParameters(g.Block)
}

// SerializerType implements serializer.Serializer.
func (g *GRUCore) SerializerType() string {
	return serializerPkg + ".GRUCore"
}

// Serialize delegates to the wrapped anyrnn.Block; Size is recovered on
// load from the block's own FC layer rather than stored twice.
func (g *GRUCore) Serialize() ([]byte, error) {
	block, ok := g.Block.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("model: GRUCore block does not implement serializer.Serializer")
	}
	return serializer.SerializeWithID(block)
}

// DeserializeGRUCore is registered against GRUCore's type ID.
func DeserializeGRUCore(d []byte) (serializer.Serializer, error) {
	obj, err := serializer.DeserializeWithID(d)
	if err != nil {
		return nil, err
	}
	block, ok := obj.(anyrnn.Block)
	if !ok {
		return nil, fmt.Errorf("model: GRUCore payload is not an anyrnn.Block")
	}
	layerBlock, ok := block.(*anyrnn.LayerBlock)
	if !ok {
		return nil, fmt.Errorf("model: GRUCore payload is not a *anyrnn.LayerBlock")
	}
	fc, ok := layerBlock.Layer.(*anynet.FC)
	if !ok {
		return nil, fmt.Errorf("model: GRUCore layer is not a *anynet.FC")
	}
	return &GRUCore{Block: block, Size: fc.OutCount}, nil
}

// FCTail is the default TailBlock: one linear layer to a scalar value plus
// one linear layer to action-distribution parameters, the split the
// teacher's DecomposeAgent separates into Critic vs Actor (agent.go).
type FCTail struct {
	ValueHead  *anynet.FC
	ActorHead  *anynet.FC
	Dist       ActionDistribution
	paramLen   int
}

// NewFCTail builds a tail mapping coreSize-wide core outputs to a scalar
// value and actionParamLen action parameters.
func NewFCTail(c anyvec.Creator, coreSize, actionParamLen int, dist ActionDistribution) *FCTail {
	return &FCTail{
		ValueHead: anynet.NewFC(c, coreSize, 1),
		ActorHead: anynet.NewFCZero(c, coreSize, actionParamLen),
		Dist:      dist,
		paramLen:  actionParamLen,
	}
}

func (t *FCTail) Apply(coreOut anydiff.Res, batch int) (values, actionParams anydiff.Res) {
	values = t.ValueHead.Apply(coreOut, batch)
	actionParams = t.ActorHead.Apply(coreOut, batch)
	return values, actionParams
}

func (t *FCTail) ActionSpace() ActionDistribution {
	return t.Dist
}

func (t *FCTail) ParamLen() int {
	return t.paramLen
}

// Parameters implements parameterized.
func (t *FCTail) Parameters() []*anydiff.Var {
	return append(anynet.AllParameters(t.ValueHead), anynet.AllParameters(t.ActorHead)...)
}

// SerializerType implements serializer.Serializer.
func (t *FCTail) SerializerType() string {
	return serializerPkg + ".FCTail"
}

// Serialize packs ValueHead, ActorHead, and Dist together via
// serializer.SerializeSlice.
func (t *FCTail) Serialize() ([]byte, error) {
	dist, ok := t.Dist.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("model: FCTail action distribution %T does not implement serializer.Serializer", t.Dist)
	}
	return serializer.SerializeSlice([]serializer.Serializer{t.ValueHead, t.ActorHead, dist})
}

// DeserializeFCTail is registered against FCTail's type ID.
func DeserializeFCTail(d []byte) (serializer.Serializer, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) != 3 {
		return nil, fmt.Errorf("model: FCTail payload has %d parts, want 3", len(slice))
	}
	valueHead, ok := slice[0].(*anynet.FC)
	if !ok {
		return nil, fmt.Errorf("model: FCTail payload value head is not a *anynet.FC")
	}
	actorHead, ok := slice[1].(*anynet.FC)
	if !ok {
		return nil, fmt.Errorf("model: FCTail payload actor head is not a *anynet.FC")
	}
	dist, ok := slice[2].(ActionDistribution)
	if !ok {
		return nil, fmt.Errorf("model: FCTail payload distribution is not an ActionDistribution")
	}
	return &FCTail{ValueHead: valueHead, ActorHead: actorHead, Dist: dist, paramLen: actorHead.OutCount}, nil
}
