package units

import "testing"

func TestScaleFactors(t *testing.T) {
	// One hour of 1 mA in µA·s is 3.6e6; it must come back as exactly 1 mAh.
	if got := 3.6e6 * MicroampSecondsToMilliampHours; got != 1.0 {
		t.Errorf("3.6e6 µA·s = %v mAh, want 1", got)
	}
	if got := 42000 * TenthMillivoltsToVolts; got != 4.2 {
		t.Errorf("42000 tenth-mV = %v V, want 4.2", got)
	}
	if got := 1500 * MicroampsToMilliamps; got != 1.5 {
		t.Errorf("1500 µA = %v mA, want 1.5", got)
	}
	if got := 3600e6 * MicrowattSecondsToWattHours; got != 1.0 {
		t.Errorf("3600e6 µW·s = %v Wh, want 1", got)
	}
}

func TestSecondsToHours(t *testing.T) {
	if got := SecondsToHours(7200); got != 2 {
		t.Errorf("7200 s = %v h, want 2", got)
	}
}
