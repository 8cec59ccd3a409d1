package version

import "testing"

func TestGetDefaults(t *testing.T) {
	vi := Get()
	if vi.AppName != AppName {
		t.Errorf("AppName = %q, want %q", vi.AppName, AppName)
	}
	if vi.Version == "" {
		t.Error("Version is empty")
	}
	// GoVersion is filled from debug.ReadBuildInfo when test binaries run
	if vi.GoVersion == "" {
		t.Error("GoVersion is empty")
	}
}
