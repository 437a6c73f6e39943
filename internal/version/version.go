// Package version holds the version of the binaries.
package version

import (
	"fmt"
	"runtime/debug"
)

const (
	Major = 0
	Minor = 1
	Patch = 0

	// PreRelease is appended to the version when set.
	PreRelease = "pre"
)

// BuildMetadata may be set at link time with
// -ldflags "-X github.com/companyzero/cryptobridge/internal/version.BuildMetadata=foo".
var BuildMetadata = ""

// String returns the semver formatted version.
func String() string {
	s := fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
	if PreRelease != "" {
		s += "-" + PreRelease
	}
	meta := BuildMetadata
	if meta == "" {
		meta = vcsRevision()
	}
	if meta != "" {
		s += "+" + meta
	}
	return s
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return ""
}
