// Package vtrace computes IMPALA-style V-trace value targets and
// advantages on the host, the off-policy correction spec.md §4.4 step 7
// applies inside truncated BPTT whenever with_vtrace is enabled.
//
// Grounded on original_source/algorithms/appo/learner.py's `_train`
// method, the V-trace recurrence running backward over the unrolled
// recurrence window (lines ~440-480): clipped importance ratios ρ̄, c̄
// both fixed at 1.0 per spec.md §4.4.
package vtrace

import "math"

const (
	// RhoClip and CClip are the V-trace clipping constants spec.md §4.4
	// fixes at 1.0 (ρ̄ and c̄ respectively).
	RhoClip = 1.0
	CClip   = 1.0
)

// Targets computes V-trace value targets and advantages for one
// recurrence window. All slices are [T][E]; values is [T+1][E] with the
// bootstrap value already appended at index T. ratios[t][e] is the
// importance ratio π(a_t|s_t) / μ(a_t|s_t) for the action actually taken.
func Targets(rewards, dones, values [][]float64, ratios [][]float64, gamma float64) (vs, advantages [][]float64) {
	T := len(rewards)
	if T == 0 {
		return nil, nil
	}
	E := len(rewards[0])

	clippedRho := make([][]float64, T)
	clippedC := make([][]float64, T)
	for t := 0; t < T; t++ {
		clippedRho[t] = make([]float64, E)
		clippedC[t] = make([]float64, E)
		for e := 0; e < E; e++ {
			clippedRho[t][e] = math.Min(ratios[t][e], RhoClip)
			clippedC[t][e] = math.Min(ratios[t][e], CClip)
		}
	}

	// deltas[t] = rho[t] * (r[t] + gamma*(1-done[t])*v[t+1] - v[t])
	deltas := make([][]float64, T)
	for t := 0; t < T; t++ {
		deltas[t] = make([]float64, E)
		for e := 0; e < E; e++ {
			notDone := 1.0 - dones[t][e]
			deltas[t][e] = clippedRho[t][e] * (rewards[t][e] + gamma*notDone*values[t+1][e] - values[t][e])
		}
	}

	// Backward recurrence: vs[t] - v[t] = delta[t] + gamma*c[t]*(1-done[t])*(vs[t+1]-v[t+1]).
	vsMinusV := make([][]float64, T+1)
	vsMinusV[T] = make([]float64, E) // bootstrap residual is zero

	for t := T - 1; t >= 0; t-- {
		vsMinusV[t] = make([]float64, E)
		for e := 0; e < E; e++ {
			notDone := 1.0 - dones[t][e]
			vsMinusV[t][e] = deltas[t][e] + gamma*clippedC[t][e]*notDone*vsMinusV[t+1][e]
		}
	}

	vs = make([][]float64, T)
	advantages = make([][]float64, T)
	for t := 0; t < T; t++ {
		vs[t] = make([]float64, E)
		advantages[t] = make([]float64, E)
		for e := 0; e < E; e++ {
			vs[t][e] = values[t][e] + vsMinusV[t][e]
		}
	}

	// Policy-gradient advantage at t uses the V-trace target for t+1, the
	// standard IMPALA construction: A_t = rho_t * (r_t + gamma*(1-done_t)*vs_{t+1} - v_t).
	for t := 0; t < T; t++ {
		for e := 0; e < E; e++ {
			notDone := 1.0 - dones[t][e]
			var nextVs float64
			if t+1 < T {
				nextVs = vs[t+1][e]
			} else {
				nextVs = values[T][e]
			}
			advantages[t][e] = clippedRho[t][e] * (rewards[t][e] + gamma*notDone*nextVs - values[t][e])
		}
	}

	return vs, advantages
}
