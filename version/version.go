// Package version describes the running build of patchbay.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version can be set when building:
// go build -ldflags "-X github.com/vsariola/patchbay/version.Version=$(git describe --dirty)"
var Version string

// Build is what is known about the running binary.
type Build struct {
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
	Modified bool   `json:"modified,omitempty"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

// Current is the build of the running binary.
var Current = func() Build {
	info, _ := debug.ReadBuildInfo()
	return FromBuildInfo(Version, info)
}()

// FromBuildInfo combines an explicit version with the VCS stamp of info,
// which may be nil. Without either, the version is "devel".
func FromBuildInfo(v string, info *debug.BuildInfo) Build {
	b := Build{Version: v, Go: runtime.Version(), Platform: runtime.GOOS + "/" + runtime.GOARCH}
	if info != nil {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				b.Revision = s.Value
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if b.Version == "" {
		b.Version = b.Short()
	}
	if b.Version == "" {
		b.Version = "devel"
	}
	return b
}

// Short is the abbreviated revision, with -dirty appended for modified
// trees, or "" if the revision is unknown.
func (b Build) Short() string {
	if len(b.Revision) < 7 {
		return ""
	}
	if b.Modified {
		return b.Revision[:7] + "-dirty"
	}
	return b.Revision[:7]
}

func (b Build) String() string {
	return fmt.Sprintf("patchbay %s (%s, %s)", b.Version, b.Go, b.Platform)
}

// String describes the running build, e.g. for -version.
func String() string { return Current.String() }
