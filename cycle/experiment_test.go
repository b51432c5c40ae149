package cycle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltaic-data/cellparse/binio"
	"github.com/voltaic-data/cellparse/instrument"
)

func sample(ns, mode, stepTime, ewe, q float64) instrument.Record {
	v := func(x float64) binio.Value { return binio.Value{Kind: binio.KindF64, Float: x} }
	return instrument.Record{
		Module: "records",
		Values: map[string]binio.Value{
			"Ns":                 v(ns),
			"mode":               v(mode),
			"step_time":          v(stepTime),
			"Ewe":                v(ewe),
			"Q charge/discharge": v(q),
		},
	}
}

// platingSequence models two cycles of a plate/strip program: rest (step
// 1), CC charge (step 2), rest (step 3), CC discharge (step 4), loop.
// Capacity is a per-step counter; voltage is arbitrary but distinct.
func platingSequence() *instrument.Sequence {
	cc := float64(StepCCCharge)
	cd := float64(StepCCDischarge)
	rest := float64(StepRest)

	recs := []instrument.Record{
		// Rest before cycling.
		sample(1, rest, 0, 3.0, 0),
		sample(1, rest, 10, 3.0, 0),
		// Cycle 1 plating: 1.0 mAh passed.
		sample(2, cc, 0, 3.1, 0),
		sample(2, cc, 30, 3.3, 0.5),
		sample(2, cc, 60, 3.5, 1.0),
		// Rest.
		sample(3, rest, 0, 3.4, 0),
		// Cycle 1 stripping: 0.8 mAh recovered.
		sample(4, cd, 0, 3.3, 0),
		sample(4, cd, 30, 3.1, 0.4),
		sample(4, cd, 60, 2.9, 0.8),
		// Cycle 2 plating: 0.9 mAh.
		sample(2, cc, 0, 3.1, 0),
		sample(2, cc, 30, 3.3, 0.5),
		sample(2, cc, 60, 3.5, 0.9),
		// Rest.
		sample(3, rest, 0, 3.4, 0),
		// Cycle 2 stripping: 0.45 mAh.
		sample(4, cd, 0, 3.3, 0),
		sample(4, cd, 40, 3.0, 0.45),
	}
	return &instrument.Sequence{Records: recs}
}

func TestExperimentHalfCycleNumbering(t *testing.T) {
	e, err := New(platingSequence(), 1)
	require.NoError(t, err)

	assert.Equal(t, 15, e.Len())
	// Rest, then four current-passing half cycles.
	assert.Equal(t, 5, e.HalfCycles())
}

func TestVoltageCapacity(t *testing.T) {
	e, err := New(platingSequence(), 1)
	require.NoError(t, err)

	plating := e.VoltageCapacity(HalfCycleRef{Step: 2, HalfCycle: 1})
	require.False(t, plating.Empty())
	assert.Equal(t, 3, len(plating.Capacity))
	// Rectified and restarted at zero.
	assert.InDelta(t, 0.0, plating.Capacity[0], 1e-12)
	assert.InDelta(t, 1.0, plating.Capacity[2], 1e-12)

	stripping := e.VoltageCapacity(HalfCycleRef{Step: 4, HalfCycle: 2})
	require.False(t, stripping.Empty())
	// Discharge counts down in net capacity but the curve grows positive.
	assert.InDelta(t, 0.8, stripping.Capacity[2], 1e-12)

	missing := e.VoltageCapacity(HalfCycleRef{Step: 2, HalfCycle: 9})
	assert.True(t, missing.Empty())
	assert.ErrorIs(t, e.CheckHalfCycle(HalfCycleRef{Step: 2, HalfCycle: 9}), ErrMissingCycleData)
}

func TestAreaNormalization(t *testing.T) {
	e, err := New(platingSequence(), 2)
	require.NoError(t, err)

	plating := e.VoltageCapacity(HalfCycleRef{Step: 2, HalfCycle: 1})
	assert.InDelta(t, 0.5, plating.Capacity[2], 1e-12)

	_, err = New(platingSequence(), 0)
	assert.Error(t, err)
}

func TestCoulombicEfficiencies(t *testing.T) {
	e, err := New(platingSequence(), 1)
	require.NoError(t, err)

	ces := e.CoulombicEfficiencies(
		HalfCycleRef{Step: 2, HalfCycle: 1},
		HalfCycleRef{Step: 4, HalfCycle: 2},
	)
	require.Len(t, ces, 2)
	assert.InDelta(t, 0.8, ces[0], 1e-12)
	assert.InDelta(t, 0.5, ces[1], 1e-12)
}

func TestCapacitiesAndLoss(t *testing.T) {
	e, err := New(platingSequence(), 1)
	require.NoError(t, err)

	plating := HalfCycleRef{Step: 2, HalfCycle: 1}
	stripping := HalfCycleRef{Step: 4, HalfCycle: 2}

	plate, strip, err := e.Capacities(plating, stripping, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.0, 0.9}, plate, 1e-12)
	assert.InDeltaSlice(t, []float64{0.8, 0.45}, strip, 1e-12)

	loss, err := e.CapacityLoss(plating, stripping, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, loss, 1e-12)

	// A third cycle does not exist.
	_, _, err = e.Capacities(plating, stripping, 3)
	assert.ErrorIs(t, err, ErrMissingCycleData)
}

func TestVoltageTime(t *testing.T) {
	e, err := New(platingSequence(), 1)
	require.NoError(t, err)

	ts := e.VoltageTime(1, true)
	require.Equal(t, 13, len(ts.Time))
	assert.InDelta(t, 0.0, ts.Time[0], 1e-12)
	// Second plating sample sits 30 s after the first.
	assert.InDelta(t, 30.0/3600.0, ts.Time[1], 1e-12)
	assert.Equal(t, 3.1, ts.Voltage[0])
}

func TestStitchHalfCycles(t *testing.T) {
	e, err := New(platingSequence(), 1)
	require.NoError(t, err)

	curves := []Curve{
		e.VoltageCapacity(HalfCycleRef{Step: 2, HalfCycle: 1}),
		e.VoltageCapacity(HalfCycleRef{Step: 4, HalfCycle: 2}),
	}
	stitched, err := StitchHalfCycles(curves, true)
	require.NoError(t, err)
	// 3 + break + 3 samples.
	require.Equal(t, 7, len(stitched.Capacity))
	assert.True(t, math.IsNaN(stitched.Capacity[3]))
	assert.True(t, math.IsNaN(stitched.Voltage[3]))

	_, err = StitchHalfCycles(nil, false)
	assert.ErrorIs(t, err, ErrMissingCycleData)
}

func TestExperimentRejectsEmptySequence(t *testing.T) {
	_, err := New(&instrument.Sequence{}, 1)
	assert.Error(t, err)
}
