package cycle

// FindStepChanges returns every index i where series[i] is the last sample
// of a step, that is series[i+1] differs from series[i]. The returned
// indices are ascending.
func FindStepChanges(series []float64) []int {
	var changes []int
	for i := 0; i+1 < len(series); i++ {
		if series[i+1] != series[i] {
			changes = append(changes, i)
		}
	}
	return changes
}

// FindHalfCycleChanges returns the start index of every half cycle: the
// positions where a current-passing step type begins after any other step
// type. A run of one trigger type interrupted by a different step still
// starts a new half cycle when it resumes.
func FindHalfCycleChanges(modes []float64) []int {
	var starts []int
	for i, m := range modes {
		st := StepType(m)
		if float64(st) != m || !st.HalfCycleTrigger() {
			continue
		}
		if i == 0 || modes[i-1] != m {
			starts = append(starts, i)
		}
	}
	return starts
}

// SegmentIndices assigns each of n positions its segment number: the count
// of start indices at or before the position. Positions before the first
// start belong to segment 0. starts must be ascending.
func SegmentIndices(n int, starts []int) []int {
	out := make([]int, n)
	seg := 0
	for i := 0; i < n; i++ {
		for seg < len(starts) && starts[seg] <= i {
			seg++
		}
		out[i] = seg
	}
	return out
}

// AccumulateSteps converts a per-step series into an experiment-global
// one: within each step the series counts from the running total, and the
// total advances by the step's final value at each change index. changes
// are the last-sample indices FindStepChanges returns.
func AccumulateSteps(series []float64, changes []int) []float64 {
	out := make([]float64, len(series))
	total := 0.0
	mark := 0
	for _, ci := range changes {
		if ci < mark || ci >= len(series) {
			continue
		}
		for i := mark; i <= ci; i++ {
			out[i] = total + series[i]
		}
		total += series[ci]
		mark = ci + 1
	}
	for i := mark; i < len(series); i++ {
		out[i] = total + series[i]
	}
	return out
}
