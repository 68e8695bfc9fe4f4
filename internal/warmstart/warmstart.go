// Package warmstart implements an optional behavior-cloning pass that
// seeds an ActorCritic's parameters from recorded demonstrations before
// the coordinator's main training loop starts.
//
// Grounded on the teacher's clone.go/demos.go: the Trainer/SampleList
// shape and the anysgd.SGD + anysgd.Adam pattern are kept nearly verbatim,
// generalized from muniverse.Recording playback to a pluggable Source so
// the demonstration file format stays out of scope, the same way
// internal/model leaves the trunk architecture out of scope.
package warmstart

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/lazyseq"

	"github.com/unixpickle/asynclearner/internal/model"
)

// Demo is one decoded demonstration: parallel per-timestep observation and
// action sequences, the cloning counterpart to a rollout's obs/action
// fields (spec.md §3).
type Demo struct {
	Observations []anyvec.Vector
	Actions      []anyvec.Vector // one-hot, matching the tail's ActionDistribution
}

// Source decodes one demonstration directory into a Demo; the concrete
// on-disk format (muniverse recordings in the teacher, something else
// here) is left to the embedder.
type Source interface {
	Open(path string) (Demo, error)
}

// SampleList is a list of demonstration directories, the anysgd.SampleList
// the teacher's clone.go builds from ReadSampleList.
type SampleList []string

// ReadSampleList lists every "demo_"-prefixed subdirectory of dir, the
// same naming convention as the teacher's "recording_" prefix.
func ReadSampleList(dir string) (list SampleList, err error) {
	defer essentials.AddCtxTo("read demo sample list", &err)
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "demo_") {
			list = append(list, filepath.Join(dir, e.Name()))
		}
	}
	return list, nil
}

// Len implements anysgd.SampleList.
func (s SampleList) Len() int { return len(s) }

// Swap implements anysgd.SampleList.
func (s SampleList) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// Slice implements anysgd.SampleList.
func (s SampleList) Slice(i, j int) anysgd.SampleList {
	return append(SampleList{}, s[i:j]...)
}

// batch is the lazyseq tape pair one Fetch call produces.
type batch struct {
	Observations lazyseq.Tape
	Actions      lazyseq.Tape
}

// Trainer fits an ActorCritic's parameters to a set of demonstrations by
// minimizing the negative log-likelihood of the recorded actions, the
// teacher's clone.go Trainer generalized to our head/core/tail contract.
type Trainer struct {
	Model  *model.ActorCritic
	Source Source
	Params []*anydiff.Var
	L2Reg  float64

	// LastCost is set after every gradient computation, for status logging.
	LastCost anyvec.Numeric
}

// Fetch decodes a subset of demonstrations into lazyseq tapes. s must be a
// SampleList; the batch may not be empty.
func (t *Trainer) Fetch(s anysgd.SampleList) (b anysgd.Batch, err error) {
	defer essentials.AddCtxTo("fetch demo batch", &err)
	paths := s.(SampleList)
	if paths.Len() == 0 {
		return nil, fmt.Errorf("warmstart: empty batch")
	}

	demos := make([]Demo, len(paths))
	for i, p := range paths {
		d, err := t.Source.Open(p)
		if err != nil {
			return nil, err
		}
		demos[i] = d
	}

	inTape, inWriter := lazyseq.ReferenceTape()
	outTape, outWriter := lazyseq.ReferenceTape()
	defer close(inWriter)
	defer close(outWriter)

	for step := 0; true; step++ {
		var inVecs, outVecs []anyvec.Vector
		var present []bool
		any := false
		for _, d := range demos {
			ok := step < len(d.Observations)
			present = append(present, ok)
			if !ok {
				continue
			}
			any = true
			inVecs = append(inVecs, d.Observations[step])
			outVecs = append(outVecs, d.Actions[step])
		}
		if !any {
			break
		}
		c := inVecs[0].Creator()
		inWriter <- &anyseq.Batch{Packed: c.Concat(inVecs...), Present: present}
		outWriter <- &anyseq.Batch{Packed: c.Concat(outVecs...), Present: present}
	}

	return &batch{Observations: inTape, Actions: outTape}, nil
}

// TotalCost computes the mean negative log-likelihood of the demonstrated
// actions under the current policy. Per spec.md §1 the exact recurrent
// cell is out of scope, and per the teacher's own ApplyBlock (agent.go),
// behavior cloning applies the block per-frame via lazyseq.Map/MapN rather
// than threading state across the tape — the truncated-BPTT unroll in
// internal/trainer is the only place recurrent state actually carries
// across timesteps.
func (t *Trainer) TotalCost(b anysgd.Batch) anydiff.Res {
	bt := b.(*batch)
	c := t.creator()
	inSeq := lazyseq.TapeRereader(c, bt.Observations)
	desired := lazyseq.TapeRereader(c, bt.Actions)

	dist := t.Model.Tail.ActionSpace()
	logLikelihood := lazyseq.MapN(func(n int, v ...anydiff.Res) anydiff.Res {
		headOut := t.Model.Head.Apply(v[0].Output(), n)
		state := t.Model.Core.InitState(n, c)
		coreOut, _ := t.Model.Core.Step(headOut, state, nil)
		_, actionParams := t.Model.Tail.Apply(coreOut, n)
		return dist.LogProb(actionParams, v[1].Output(), n)
	}, inSeq, desired)

	return anydiff.Scale(lazyseq.Mean(logLikelihood), c.MakeNumeric(-1))
}

// Gradient computes the gradient of TotalCost over b, adding L2Reg*params
// when L2Reg is non-zero (the teacher's clone.go regularization term).
func (t *Trainer) Gradient(b anysgd.Batch) anydiff.Grad {
	grad, lc := anysgd.CosterGrad(t, b, t.Params)
	t.LastCost = lc
	if t.L2Reg != 0 {
		for _, param := range t.Params {
			regTerm := param.Output().Copy()
			regTerm.Scale(regTerm.Creator().MakeNumeric(t.L2Reg))
			grad[param].Add(regTerm)
		}
	}
	return grad
}

func (t *Trainer) creator() anyvec.Creator {
	return t.Params[0].Vector.Creator()
}

// Run executes the cloning pass: batchSize-sized minibatches of demos,
// repeating epochs over samples until done is closed. cmd/learner does not
// call Run. statusFunc is called after every minibatch with the running
// cost, for logging.
func Run(m *model.ActorCritic, source Source, samples SampleList, batchSize int, learningRate, l2Reg float64, done <-chan struct{}, statusFunc func(iter int, cost anyvec.Numeric)) {
	trainer := &Trainer{Model: m, Source: source, Params: m.Parameters(), L2Reg: l2Reg}

	iter := 0
	sgd := &anysgd.SGD{
		Fetcher:     trainer,
		Gradienter:  trainer,
		Transformer: &anysgd.Adam{},
		Samples:     samples,
		Rater:       anysgd.ConstRater(learningRate),
		BatchSize:   batchSize,
		StatusFunc: func(b anysgd.Batch) {
			if statusFunc != nil {
				statusFunc(iter, trainer.LastCost)
			}
			iter++
		},
	}
	sgd.Run(done)
}
