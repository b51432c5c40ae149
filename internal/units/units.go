// Package units provides shared unit names and scale factors for battery
// testing instruments. Instruments report raw integers in vendor units
// (tenths of millivolts, microamp-seconds); the schema tables use these
// factors to normalize values at decode time.
package units

// Canonical unit names attached to decoded fields.
const (
	Volts          = "V"
	Milliamps      = "mA"
	MilliampHours  = "mAh"
	WattHours      = "Wh"
	Seconds        = "s"
	Hours          = "h"
	DegreesCelsius = "degC"
)

// Scale factors from raw instrument units to canonical units.
const (
	// MicroampsToMilliamps converts µA to mA.
	MicroampsToMilliamps = 1e-3

	// TenthMillivoltsToVolts converts tenths of mV to V.
	TenthMillivoltsToVolts = 1e-4

	// MillisecondsToSeconds converts ms to s.
	MillisecondsToSeconds = 1e-3

	// MicroampSecondsToMilliampHours converts µA·s to mA·h.
	MicroampSecondsToMilliampHours = 1e-3 / 3600.0

	// MilliampSecondsToMilliampHours converts mA·s to mA·h.
	MilliampSecondsToMilliampHours = 1.0 / 3600.0

	// AmpHoursToMilliampHours converts A·h to mA·h.
	AmpHoursToMilliampHours = 1e3

	// MicrowattSecondsToWattHours converts µW·s to W·h.
	MicrowattSecondsToWattHours = 1e-6 / 3600.0

	// MilliwattSecondsToWattHours converts mW·s to W·h.
	MilliwattSecondsToWattHours = 1e-3 / 3600.0

	// TenthDegreesToDegrees converts tenths of °C to °C.
	TenthDegreesToDegrees = 0.1
)

// SecondsToHours converts a duration in seconds to hours.
func SecondsToHours(s float64) float64 { return s / 3600.0 }
