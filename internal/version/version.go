// Package version tracks build metadata for the application.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version,omitempty"`
}

// String renders the metadata for log lines and --version output.
func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		out += fmt.Sprintf(" (%s", i.Commit)
		if i.BuildTime != "" {
			out += ", " + i.BuildTime
		}
		out += ")"
	}
	return out
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application.
// Missing fields are filled from the embedded module build info when available.
func Set(v Info) {
	if v.Version == "" {
		v.Version = "dev"
	}
	if build, ok := debug.ReadBuildInfo(); ok {
		v.GoVersion = build.GoVersion
		for _, setting := range build.Settings {
			switch setting.Key {
			case "vcs.revision":
				if v.Commit == "" {
					v.Commit = setting.Value
				}
			case "vcs.time":
				if v.BuildTime == "" {
					v.BuildTime = setting.Value
				}
			}
		}
	}

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}
