package testutil

import (
	"math"
	"os"
	"testing"
)

func TestAssertNoError(t *testing.T) {
	t.Parallel()
	AssertNoError(t, nil)
}

func TestWriteFile(t *testing.T) {
	t.Parallel()
	path := WriteFile(t, "fixture.bin", []byte{1, 2, 3})
	data, err := os.ReadFile(path)
	AssertNoError(t, err)
	if len(data) != 3 || data[0] != 1 {
		t.Errorf("fixture contents = %v", data)
	}
}

func TestAssertApproxNaN(t *testing.T) {
	t.Parallel()
	AssertApprox(t, math.NaN(), math.NaN(), 0)
	AssertApprox(t, 1.0000001, 1.0, 1e-3)
}
