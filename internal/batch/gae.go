package batch

// ComputeGAE runs the standard GAE recurrence described in spec.md §4.3
// step 3. rewards and dones are [T][E]; values is [T+1][E], the last row
// being the synthesized bootstrap value appended per rollout. Returns
// advantages and returns, both [T][E].
//
// Grounded on original_source/algorithms/appo/learner.py's
// `_calculate_gae`, which builds this same [T+1,E] values array before
// calling into the (not retrieved) generic `calculate_gae` helper; the
// recurrence below is the standard GAE(λ) formulation that helper
// implements.
func ComputeGAE(rewards, dones, values [][]float64, gamma, lambda float64) (advantages, returns [][]float64) {
	T := len(rewards)
	if T == 0 {
		return nil, nil
	}
	E := len(rewards[0])

	advantages = make([][]float64, T)
	returns = make([][]float64, T)
	lastGAE := make([]float64, E)

	for t := T - 1; t >= 0; t-- {
		adv := make([]float64, E)
		ret := make([]float64, E)
		for e := 0; e < E; e++ {
			notDone := 1.0 - dones[t][e]
			delta := rewards[t][e] + gamma*notDone*values[t+1][e] - values[t][e]
			lastGAE[e] = delta + gamma*lambda*notDone*lastGAE[e]
			adv[e] = lastGAE[e]
			ret[e] = adv[e] + values[t][e]
		}
		advantages[t] = adv
		returns[t] = ret
	}
	return advantages, returns
}

// SynthesizeBootstrap appends the fake "next value" spec.md §4.3 step 3
// describes to each rollout's value array: v_T = (v_{T-1} - r_{T-1}) / γ.
// values and rewards are [E][T]; the returned slice is [E][T+1].
func SynthesizeBootstrap(values, rewards [][]float64, gamma float64) [][]float64 {
	out := make([][]float64, len(values))
	for i, v := range values {
		t := len(v) - 1
		lastValue, lastReward := v[t], rewards[i][t]
		nextValue := (lastValue - lastReward) / gamma
		extended := make([]float64, len(v)+1)
		copy(extended, v)
		extended[len(v)] = nextValue
		out[i] = extended
	}
	return out
}

// Transpose2D flips a [rows][cols] matrix into [cols][rows].
func Transpose2D(m [][]float64) [][]float64 {
	if len(m) == 0 {
		return nil
	}
	rows, cols := len(m), len(m[0])
	out := make([][]float64, cols)
	for c := 0; c < cols; c++ {
		out[c] = make([]float64, rows)
		for r := 0; r < rows; r++ {
			out[c][r] = m[r][c]
		}
	}
	return out
}
