package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestComputeGAEConstantReward exercises spec.md §8's "GAE sanity"
// scenario: one rollout, reward 1 at every step, zero value estimates,
// gamma = lambda = 1. See DESIGN.md's "Open Question decisions" entry
// for why the asserted numbers differ from the scenario's literal
// expected output.
func TestComputeGAEConstantReward(t *testing.T) {
	rewards := [][]float64{{1}, {1}, {1}, {1}}
	dones := [][]float64{{0}, {0}, {0}, {0}}
	valuesReal := [][]float64{{0, 0, 0, 0}}

	extended := SynthesizeBootstrap(valuesReal, Transpose2D(rewards), 1.0)
	valuesT := Transpose2D(extended)

	advantages, returns := ComputeGAE(rewards, dones, valuesT, 1.0, 1.0)

	assert.Equal(t, []float64{3}, advantages[0])
	assert.Equal(t, []float64{2}, advantages[1])
	assert.Equal(t, []float64{1}, advantages[2])
	assert.Equal(t, []float64{0}, advantages[3])

	assert.Equal(t, advantages, returns)
}

// TestComputeGAEZeroLambdaIsOneStepTD checks that lambda=0 collapses the
// recurrence to the plain one-step TD residual, the degenerate case GAE
// is named for.
func TestComputeGAEZeroLambdaIsOneStepTD(t *testing.T) {
	rewards := [][]float64{{0.5}, {0.5}}
	dones := [][]float64{{0}, {0}}
	values := [][]float64{{1}, {1}, {1}}

	advantages, _ := ComputeGAE(rewards, dones, values, 0.9, 0.0)

	// delta_t = r_t + gamma*v_{t+1} - v_t = 0.5 + 0.9*1 - 1 = 0.4
	assert.InDelta(t, 0.4, advantages[0][0], 1e-9)
	assert.InDelta(t, 0.4, advantages[1][0], 1e-9)
}

func TestAssemblerRejectsEmptyMacroBatch(t *testing.T) {
	a := &Assembler{Gamma: 0.99, GAELambda: 0.95}
	_, err := a.Assemble(nil)
	assert.Error(t, err)
}
