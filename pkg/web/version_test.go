package web

import (
	"encoding/json"
	"runtime"
	"testing"
)

func restoreVersion(t *testing.T) {
	t.Helper()
	verMu.RLock()
	saved := current
	verMu.RUnlock()
	t.Cleanup(func() {
		verMu.Lock()
		current = saved
		verMu.Unlock()
	})
}

func TestSetVersionInfo(t *testing.T) {
	restoreVersion(t)

	SetVersionInfo(VersionInfo{Version: "1.4.0", Commit: "abc1234", BuildTime: "2026-10-01T12:00:00Z"})
	v := CurrentVersion()
	if v.Version != "1.4.0" || v.Commit != "abc1234" || v.BuildTime != "2026-10-01T12:00:00Z" {
		t.Errorf("Unexpected version info %+v", v)
	}
	if v.GoVersion != runtime.Version() {
		t.Errorf("Expected Go version %s, got %s", runtime.Version(), v.GoVersion)
	}
}

func TestSetVersionInfo_Defaults(t *testing.T) {
	restoreVersion(t)

	SetVersionInfo(VersionInfo{})
	v := CurrentVersion()
	if v.Version != "dev" {
		t.Errorf("Expected dev version, got %q", v.Version)
	}
	// Test binaries carry no VCS stamp; either way the fields are filled.
	if v.Commit == "" || v.BuildTime == "" {
		t.Errorf("Expected commit and build time filled, got %+v", v)
	}
}

func TestPick(t *testing.T) {
	tests := []struct {
		stamped, fallback, want string
	}{
		{"abc", "def", "abc"},
		{"unknown", "def", "def"},
		{"", "def", "def"},
		{"", "", "unknown"},
	}
	for _, tt := range tests {
		if got := pick(tt.stamped, tt.fallback); got != tt.want {
			t.Errorf("pick(%q, %q): expected %q, got %q", tt.stamped, tt.fallback, tt.want, got)
		}
	}
}

func TestAPI_StatusReportsVersion(t *testing.T) {
	restoreVersion(t)
	SetVersionInfo(VersionInfo{Version: "2.0.0", Commit: "feedbee", BuildTime: "now"})

	srv, _, _ := newTestAPI(t)
	w := get(t, srv.Handler(), "/api/status")

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["version"] != "2.0.0" || result["commit"] != "feedbee" || result["built"] != "now" {
		t.Errorf("Unexpected version fields %v", result)
	}
	if result["go_version"] != runtime.Version() {
		t.Errorf("Expected go_version %s, got %v", runtime.Version(), result["go_version"])
	}
}
