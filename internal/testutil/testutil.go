// Package testutil provides shared test helpers for the parser and
// storage test suites.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// WriteFile drops bytes into a temp file and returns its path. The file
// is removed with the test's temp dir.
func WriteFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// AssertApprox checks a float against a want value with a tolerance,
// treating two NaNs as equal.
func AssertApprox(t *testing.T, got, want, tol float64) {
	t.Helper()
	if math.IsNaN(got) && math.IsNaN(want) {
		return
	}
	if math.Abs(got-want) > tol {
		t.Errorf("got %v, want %v (tolerance %v)", got, want, tol)
	}
}
