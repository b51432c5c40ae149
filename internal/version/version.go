// Package version carries build identification, overridden at link time
// with -ldflags "-X".
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the build identification on one line.
func String() string {
	return fmt.Sprintf("cellparse %s (%s, built %s)", Version, GitSHA, BuildTime)
}
