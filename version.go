package munshi

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the release the module identifies itself as.
const Version = "0.1.0"

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuiltAt   string `json:"built_at,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// VersionInfo reports the release plus whatever the Go toolchain
// stamped into the binary. Commit and build time are empty for builds
// outside a VCS checkout.
func VersionInfo() Info {
	info := Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = s.Value
			case "vcs.time":
				info.BuiltAt = s.Value
			}
		}
	}
	return info
}

func (i Info) String() string {
	s := fmt.Sprintf("munshi %s (%s, %s)", i.Version, i.GoVersion, i.Platform)
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		s += " commit " + short
	}
	return s
}
