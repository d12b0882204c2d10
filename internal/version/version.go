package version

import "fmt"

// Set at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func String() string {
	return fmt.Sprintf("buildbot %s (%s, %s)", Version, Commit, BuildDate)
}
