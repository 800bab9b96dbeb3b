// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String returns "lifeline <version> (<sha>, built <time>)".
func String() string {
	return fmt.Sprintf("lifeline %s (%s, built %s)", Version, GitSHA, BuildTime)
}
