package cycle

import (
	"reflect"
	"testing"
)

func TestFindStepChanges(t *testing.T) {
	series := []float64{1, 1, 2, 2, 2, 3, 1}
	got := FindStepChanges(series)
	want := []int{1, 4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindStepChanges = %v, want %v", got, want)
	}
	if FindStepChanges([]float64{5, 5, 5}) != nil {
		t.Error("constant series should have no changes")
	}
	if FindStepChanges(nil) != nil {
		t.Error("empty series should have no changes")
	}
}

func TestFindHalfCycleChanges(t *testing.T) {
	cc := float64(StepCCCharge)
	cd := float64(StepCCDischarge)
	rest := float64(StepRest)

	// A trigger run interrupted by a rest starts a new half cycle when it
	// resumes; back-to-back different triggers each start one.
	modes := []float64{rest, cc, cc, rest, cc, cd, cd}
	got := FindHalfCycleChanges(modes)
	want := []int{1, 4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindHalfCycleChanges = %v, want %v", got, want)
	}

	if FindHalfCycleChanges([]float64{rest, rest}) != nil {
		t.Error("rest-only series should have no half cycles")
	}
}

func TestSegmentIndices(t *testing.T) {
	got := SegmentIndices(7, []int{2, 5})
	want := []int{0, 0, 1, 1, 1, 2, 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SegmentIndices = %v, want %v", got, want)
	}
}

func TestAccumulateSteps(t *testing.T) {
	// Two steps of a per-step counter: the second step continues from the
	// first step's final value.
	series := []float64{1, 2, 3, 1, 2}
	got := AccumulateSteps(series, []int{2})
	want := []float64{1, 2, 3, 4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AccumulateSteps = %v, want %v", got, want)
	}

	// No changes: series passes through.
	if got := AccumulateSteps(series, nil); !reflect.DeepEqual(got, series) {
		t.Errorf("AccumulateSteps without changes = %v", got)
	}
}

func TestStepTypeClassification(t *testing.T) {
	if !StepCCCharge.HalfCycleTrigger() || !StepCPCVDischarge.HalfCycleTrigger() {
		t.Error("current-passing steps must trigger half cycles")
	}
	if StepRest.HalfCycleTrigger() || StepLoop.HalfCycleTrigger() {
		t.Error("control steps must not trigger half cycles")
	}
	if !StepCCDischarge.Discharging() || StepCCDischarge.Charging() {
		t.Error("CC_discharge direction wrong")
	}
	if StepType(0).Known() || StepType(99).Known() {
		t.Error("unassigned codes reported as known")
	}
	if StepCCCharge.String() != "CC_charge" {
		t.Errorf("String = %q", StepCCCharge.String())
	}
}
