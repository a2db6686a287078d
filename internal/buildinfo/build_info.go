package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// BuildInfo holds all sorts of information about the build of an executable artifact.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
	GoVersion  string
}

// New returns the build info of the running binary. Fields not set at link time are filled in
// from the VCS stamps recorded by the Go toolchain, if any.
func New(version, commitHash, buildDate string) BuildInfo {
	ret := BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ret
	}
	ret.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if ret.CommitHash == "" || ret.CommitHash == "n/a" {
				ret.CommitHash = s.Value
			}
		case "vcs.time":
			if ret.BuildDate == "" || ret.BuildDate == "<unknown>" {
				ret.BuildDate = s.Value
			}
		}
	}
	return ret
}

// String returns the build into as a string.
func (i BuildInfo) String() string {
	ret := fmt.Sprintf("version %s (%s) built on %s", i.Version, i.CommitHash, i.BuildDate)
	if i.GoVersion != "" {
		ret += " with " + i.GoVersion
	}
	return ret
}
