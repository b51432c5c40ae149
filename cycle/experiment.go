package cycle

import (
	"errors"
	"fmt"
	"math"

	"github.com/voltaic-data/cellparse/instrument"
	"github.com/voltaic-data/cellparse/internal/units"
)

// ErrMissingCycleData marks a half cycle that the experiment never reached
// or that holds no samples.
var ErrMissingCycleData = errors.New("cycle: missing half-cycle data")

// HalfCycleRef addresses one half cycle: the program step it runs under
// and the half-cycle counter value. Advancing a full cycle moves the
// half-cycle number by two while the step number stays fixed.
type HalfCycleRef struct {
	Step      int
	HalfCycle int
}

// next returns the reference advanced by n full cycles.
func (r HalfCycleRef) next(n int) HalfCycleRef {
	return HalfCycleRef{Step: r.Step, HalfCycle: r.HalfCycle + 2*n}
}

// Curve is a capacity-voltage trace for one or more half cycles. Stitched
// curves may carry NaN break points.
type Curve struct {
	Capacity []float64 // mAh, or mAh/cm² when area-normalized
	Voltage  []float64 // V
}

// Empty reports whether the curve holds no samples.
func (c Curve) Empty() bool { return len(c.Capacity) == 0 }

// TimeSeries is a voltage-over-time trace in hours.
type TimeSeries struct {
	Time    []float64 // h
	Voltage []float64 // V
}

// Experiment interprets one parsed sequence as a galvanostatic cycling
// run. Construction extracts the measurement columns and derives the
// experiment-global time, net capacity and half-cycle numbering that the
// per-record data only carries per step.
type Experiment struct {
	area float64

	ns        []float64
	modes     []float64
	ewe       []float64
	time      []float64 // s, experiment-global
	netQ      []float64 // mAh, experiment-global signed capacity
	halfCycle []int
}

// New builds an experiment over the measurement records of seq. area is
// the electrode area used for specific capacity; pass 1 to keep absolute
// capacities. Records without a voltage value (metadata streams of
// multi-stream formats) are ignored.
func New(seq *instrument.Sequence, area float64) (*Experiment, error) {
	if area <= 0 {
		return nil, fmt.Errorf("cycle: electrode area must be positive, got %v", area)
	}
	var recs []instrument.Record
	for _, r := range seq.Records {
		if _, ok := r.Values["Ewe"]; ok {
			recs = append(recs, r)
		}
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: sequence has no measurement records", instrument.ErrNoRecords)
	}

	e := &Experiment{area: area}
	e.ns = column(recs, "Ns")
	e.modes = column(recs, "mode")
	e.ewe = column(recs, "Ewe")
	stepChanges := FindStepChanges(e.ns)

	// Experiment-global time: taken directly when the format already
	// provides it, otherwise accumulated from the per-step clock.
	if hasColumn(recs, "time") {
		e.time = column(recs, "time")
	} else {
		e.time = AccumulateSteps(column(recs, "step_time"), stepChanges)
	}

	// Net capacity: separate charge/discharge counters when available,
	// otherwise a single counter signed by the step direction.
	switch {
	case hasColumn(recs, "Q charge") && hasColumn(recs, "Q discharge"):
		qc := column(recs, "Q charge")
		qd := column(recs, "Q discharge")
		net := make([]float64, len(qc))
		for i := range net {
			net[i] = qc[i] - qd[i]
		}
		e.netQ = AccumulateSteps(net, stepChanges)
	case hasColumn(recs, "Q charge/discharge"):
		q := column(recs, "Q charge/discharge")
		signed := make([]float64, len(q))
		for i := range signed {
			if StepType(e.modes[i]).Discharging() {
				signed[i] = -q[i]
			} else {
				signed[i] = q[i]
			}
		}
		e.netQ = AccumulateSteps(signed, stepChanges)
	default:
		return nil, fmt.Errorf("%w: sequence carries no capacity counters", ErrMissingCycleData)
	}

	e.halfCycle = SegmentIndices(len(recs), FindHalfCycleChanges(e.modes))
	return e, nil
}

func column(recs []instrument.Record, name string) []float64 {
	out := make([]float64, len(recs))
	for i, r := range recs {
		if v, ok := r.Float(name); ok {
			out[i] = v
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

func hasColumn(recs []instrument.Record, name string) bool {
	_, ok := recs[0].Values[name]
	return ok
}

// Len returns the number of measurement samples.
func (e *Experiment) Len() int { return len(e.ewe) }

// HalfCycles returns the number of half cycles the experiment reached.
func (e *Experiment) HalfCycles() int {
	if len(e.halfCycle) == 0 {
		return 0
	}
	return e.halfCycle[len(e.halfCycle)-1] + 1
}

// VoltageTime returns the voltage-versus-time trace for all samples after
// the given program step, with time in hours. relative restarts the clock
// at the first returned sample.
func (e *Experiment) VoltageTime(afterStep int, relative bool) TimeSeries {
	var ts TimeSeries
	for i := range e.ewe {
		if e.ns[i] > float64(afterStep) {
			ts.Time = append(ts.Time, units.SecondsToHours(e.time[i]))
			ts.Voltage = append(ts.Voltage, e.ewe[i])
		}
	}
	if relative && len(ts.Time) > 0 {
		t0 := ts.Time[0]
		for i := range ts.Time {
			ts.Time[i] -= t0
		}
	}
	return ts
}

// VoltageCapacity returns the voltage-versus-capacity trace of one half
// cycle: area-normalized, restarted at zero and rectified so charge and
// discharge both grow positive. An unreached half cycle yields an empty
// curve; CheckHalfCycle turns that into an error where it matters.
func (e *Experiment) VoltageCapacity(ref HalfCycleRef) Curve {
	var c Curve
	for i := range e.ewe {
		if e.ns[i] == float64(ref.Step) && e.halfCycle[i] == ref.HalfCycle {
			c.Capacity = append(c.Capacity, e.netQ[i]/e.area)
			c.Voltage = append(c.Voltage, e.ewe[i])
		}
	}
	if len(c.Capacity) > 0 {
		q0 := c.Capacity[0]
		for i := range c.Capacity {
			c.Capacity[i] = math.Abs(c.Capacity[i] - q0)
		}
	}
	return c
}

// CheckHalfCycle verifies a half cycle produced data.
func (e *Experiment) CheckHalfCycle(ref HalfCycleRef) error {
	if e.VoltageCapacity(ref).Empty() {
		return fmt.Errorf("%w: step %d half cycle %d", ErrMissingCycleData, ref.Step, ref.HalfCycle)
	}
	return nil
}

// capacityDiff is the capacity passed over one half-cycle curve.
func capacityDiff(c Curve) float64 {
	return c.Capacity[len(c.Capacity)-1] - c.Capacity[0]
}

// CoulombicEfficiencies computes the stripping/plating capacity ratio for
// every completed cycle, advancing both half-cycle references by two per
// cycle until one of them runs out of data.
func (e *Experiment) CoulombicEfficiencies(plating, stripping HalfCycleRef) []float64 {
	var ces []float64
	for cyc := 0; ; cyc++ {
		p := e.VoltageCapacity(plating.next(cyc))
		if p.Empty() {
			break
		}
		s := e.VoltageCapacity(stripping.next(cyc))
		if s.Empty() {
			break
		}
		ces = append(ces, capacityDiff(s)/capacityDiff(p))
	}
	return ces
}

// Capacities returns the plating and stripping capacities of the first
// numCycles cycles. A missing half cycle within that range is an error.
func (e *Experiment) Capacities(plating, stripping HalfCycleRef, numCycles int) (plate, strip []float64, err error) {
	for cyc := 0; cyc < numCycles; cyc++ {
		p := e.VoltageCapacity(plating.next(cyc))
		if p.Empty() {
			return nil, nil, fmt.Errorf("%w: cycle %d plating", ErrMissingCycleData, cyc)
		}
		s := e.VoltageCapacity(stripping.next(cyc))
		if s.Empty() {
			return nil, nil, fmt.Errorf("%w: cycle %d stripping", ErrMissingCycleData, cyc)
		}
		plate = append(plate, capacityDiff(p))
		strip = append(strip, capacityDiff(s))
	}
	return plate, strip, nil
}

// CapacityLoss is the total plated capacity never recovered by stripping
// over the first numCycles cycles.
func (e *Experiment) CapacityLoss(plating, stripping HalfCycleRef, numCycles int) (float64, error) {
	plate, strip, err := e.Capacities(plating, stripping, numCycles)
	if err != nil {
		return 0, err
	}
	loss := 0.0
	for i := range plate {
		loss += plate[i] - strip[i]
	}
	return loss, nil
}

// StitchHalfCycles concatenates half-cycle curves into one trace.
// addBreaks inserts a NaN sample between curves so plotting tools lift the
// pen between half cycles.
func StitchHalfCycles(curves []Curve, addBreaks bool) (Curve, error) {
	if len(curves) == 0 {
		return Curve{}, fmt.Errorf("%w: no curves to stitch", ErrMissingCycleData)
	}
	var out Curve
	for i, c := range curves {
		if addBreaks && i > 0 {
			out.Capacity = append(out.Capacity, math.NaN())
			out.Voltage = append(out.Voltage, math.NaN())
		}
		out.Capacity = append(out.Capacity, c.Capacity...)
		out.Voltage = append(out.Voltage, c.Voltage...)
	}
	return out, nil
}
