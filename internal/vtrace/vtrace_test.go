package vtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestTargetsRatioOneMatchesOnPolicyReturn exercises the "ratio=1
// neutrality" property spec.md §8 calls out: when every importance
// ratio is exactly 1.0, V-trace must reduce to the plain on-policy
// multi-step bootstrap target, with no off-policy correction applied.
func TestTargetsRatioOneMatchesOnPolicyReturn(t *testing.T) {
	T, E := 4, 1
	rewards := make([][]float64, T)
	dones := make([][]float64, T)
	ratios := make([][]float64, T)
	for i := 0; i < T; i++ {
		rewards[i] = []float64{1}
		dones[i] = []float64{0}
		ratios[i] = []float64{1}
	}
	// values[0..3] = 0 (real), values[4] = bootstrap, synthesized the same
	// way internal/batch does: v_T = (v_{T-1} - r_{T-1}) / gamma.
	values := [][]float64{{0}, {0}, {0}, {0}, {-1}}

	vs, advantages := Targets(rewards, dones, values, ratios, 1.0)

	assert.Equal(t, []float64{3}, vs[0])
	assert.Equal(t, []float64{2}, vs[1])
	assert.Equal(t, []float64{1}, vs[2])
	assert.Equal(t, []float64{0}, vs[3])

	assert.Equal(t, vs[0], advantages[0])
	assert.Equal(t, vs[1], advantages[1])
	assert.Equal(t, vs[2], advantages[2])
	assert.Equal(t, []float64{0}, advantages[3])
}

// TestTargetsClipsLargeRatios checks that a ratio far above RhoClip/CClip
// produces the same vs-minus-v contribution as a ratio sitting exactly at
// the clip boundary, per spec.md §4.4's ρ̄ = c̄ = 1.0 clipping.
func TestTargetsClipsLargeRatios(t *testing.T) {
	rewards := [][]float64{{1}, {1}}
	dones := [][]float64{{0}, {0}}
	values := [][]float64{{0}, {0}, {0}}

	atClip := [][]float64{{1}, {1}}
	aboveClip := [][]float64{{5}, {5}}

	vsAtClip, advAtClip := Targets(rewards, dones, values, atClip, 0.99)
	vsAboveClip, advAboveClip := Targets(rewards, dones, values, aboveClip, 0.99)

	assert.Equal(t, vsAtClip, vsAboveClip)
	assert.Equal(t, advAtClip, advAboveClip)
}
