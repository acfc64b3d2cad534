package web

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// VersionInfo identifies the running build in /api/status.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"built"`
	GoVersion string `json:"go_version"`
}

var (
	verMu   sync.RWMutex
	current = VersionInfo{Version: "dev", Commit: "unknown", BuildTime: "unknown"}
)

// SetVersionInfo records the build stamped in by the linker. Empty or
// "unknown" commit and build time fall back to the VCS stamp the Go
// toolchain embeds.
func SetVersionInfo(v VersionInfo) {
	if v.Version == "" {
		v.Version = "dev"
	}
	if v.Commit == "" || v.Commit == "unknown" || v.BuildTime == "" || v.BuildTime == "unknown" {
		fillFromBuildInfo(&v)
	}
	verMu.Lock()
	current = v
	verMu.Unlock()
}

// CurrentVersion returns the recorded build with the Go runtime version.
func CurrentVersion() VersionInfo {
	verMu.RLock()
	v := current
	verMu.RUnlock()
	v.GoVersion = runtime.Version()
	return v
}

func fillFromBuildInfo(v *VersionInfo) {
	settings := map[string]string{}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			settings[s.Key] = s.Value
		}
	}
	v.Commit = pick(v.Commit, settings["vcs.revision"])
	v.BuildTime = pick(v.BuildTime, settings["vcs.time"])
	if settings["vcs.modified"] == "true" && v.Commit != "unknown" {
		v.Commit += "-dirty"
	}
}

func pick(stamped, fallback string) string {
	if stamped != "" && stamped != "unknown" {
		return stamped
	}
	if fallback != "" {
		return fallback
	}
	return "unknown"
}
