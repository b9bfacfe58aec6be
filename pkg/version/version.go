// Package version identifies collector builds.
package version

// Release is the release the binary was built from. Overridden at
// link time:
//
//	-ldflags "-X github.com/taskmonitor/tkm-collector/pkg/version.Release=1.2.0"
var Release = "0.1.0-dev"

// Commit is the VCS revision the binary was built from, set the same
// way as Release. Empty for local builds.
var Commit = ""

// String returns the build identity as "release" or "release+commit".
func String() string {
	if Commit == "" {
		return Release
	}
	return Release + "+" + Commit
}
