// Package buildinfo reports the version of the running binary. The variables are set at link
// time, e.g.:
//
//	go build -ldflags "-X github.com/l7mp/dpublish/internal/buildinfo.Version=v0.1.0"
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

var (
	Version    = "dev"
	CommitHash = "n/a"
	BuildDate  = "<unknown>"
)

// BuildInfo holds all sorts of information about the build of an executable artifact.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// Get returns the build info of the binary. Values not set at link time are taken from the VCS
// stamp of the Go toolchain, if available.
func Get() BuildInfo {
	i := BuildInfo{Version: Version, CommitHash: CommitHash, BuildDate: BuildDate}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.CommitHash == "n/a" {
				i.CommitHash = s.Value
			}
		case "vcs.time":
			if i.BuildDate == "<unknown>" {
				i.BuildDate = s.Value
			}
		}
	}

	return i
}

// String returns the build into as a string.
func (i BuildInfo) String() string {
	return fmt.Sprintf("version %s (%s) built on %s", i.Version, i.CommitHash, i.BuildDate)
}
