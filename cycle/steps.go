// Package cycle interprets parsed measurement sequences as galvanostatic
// cycling experiments: step and half-cycle segmentation, per-step series
// accumulation, capacity curves and coulombic efficiencies.
package cycle

// StepType is a cycler program step code as battery cyclers number them.
// The zero value and the gaps in the numbering are unassigned.
type StepType uint8

const (
	StepCCCharge      StepType = 1
	StepCCDischarge   StepType = 2
	StepCVCharge      StepType = 3
	StepRest          StepType = 4
	StepLoop          StepType = 5
	StepStop          StepType = 6
	StepCCCVCharge    StepType = 7
	StepCPDischarge   StepType = 8
	StepCPCharge      StepType = 9
	StepPause         StepType = 12
	StepPulse         StepType = 15
	StepSIM           StepType = 16
	StepCVDischarge   StepType = 18
	StepCCCVDischarge StepType = 19
	StepControl       StepType = 20
	StepOCV           StepType = 21
	StepCPCVDischarge StepType = 25
	StepCPCVCharge    StepType = 26
)

var stepTypeNames = map[StepType]string{
	StepCCCharge:      "CC_charge",
	StepCCDischarge:   "CC_discharge",
	StepCVCharge:      "CV_charge",
	StepRest:          "Rest",
	StepLoop:          "Loop",
	StepStop:          "Stop",
	StepCCCVCharge:    "CCCV_charge",
	StepCPDischarge:   "CP_discharge",
	StepCPCharge:      "CP_charge",
	StepPause:         "Pause",
	StepPulse:         "Pulse",
	StepSIM:           "SIM",
	StepCVDischarge:   "CV_discharge",
	StepCCCVDischarge: "CCCV_discharge",
	StepControl:       "Control",
	StepOCV:           "OCV",
	StepCPCVDischarge: "CPCV_discharge",
	StepCPCVCharge:    "CPCV_charge",
}

func (s StepType) String() string {
	if name, ok := stepTypeNames[s]; ok {
		return name
	}
	return "unknown"
}

// Known reports whether the code is an assigned step type.
func (s StepType) Known() bool {
	_, ok := stepTypeNames[s]
	return ok
}

// HalfCycleTrigger reports whether entering this step type starts a new
// half cycle. Current-passing steps trigger; Rest, Loop and the other
// control steps do not. Consecutive runs of the same trigger type count as
// one half cycle even when a non-trigger step interrupts them.
func (s StepType) HalfCycleTrigger() bool {
	switch s {
	case StepCCCharge, StepCCDischarge, StepCVCharge, StepCCCVCharge,
		StepCPDischarge, StepCPCharge, StepCVDischarge, StepCCCVDischarge,
		StepCPCVDischarge, StepCPCVCharge:
		return true
	}
	return false
}

// Charging reports whether the step type passes charge current. Used for
// the sign convention when net capacity is accumulated.
func (s StepType) Charging() bool {
	switch s {
	case StepCCCharge, StepCVCharge, StepCCCVCharge, StepCPCharge, StepCPCVCharge:
		return true
	}
	return false
}

// Discharging reports whether the step type passes discharge current.
func (s StepType) Discharging() bool {
	switch s {
	case StepCCDischarge, StepCPDischarge, StepCVDischarge, StepCCCVDischarge, StepCPCVDischarge:
		return true
	}
	return false
}
