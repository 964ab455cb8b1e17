package version

import "testing"

func TestInfoString(t *testing.T) {
	testCases := []struct {
		info Info
		want string
	}{
		{Info{Version: "dev"}, "dev"},
		{Info{Version: "v1.2.0", Commit: "abc123"}, "v1.2.0 (abc123)"},
		{Info{Version: "v1.2.0", Commit: "abc123", BuildTime: "2024-05-01T12:00:00Z"}, "v1.2.0 (abc123, 2024-05-01T12:00:00Z)"},
	}

	for _, tc := range testCases {
		if got := tc.info.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestSetDefaultsVersion(t *testing.T) {
	previous := Current()
	t.Cleanup(func() { Set(previous) })

	Set(Info{Commit: "deadbeef"})
	current := Current()
	if current.Version != "dev" {
		t.Fatalf("Version = %q, want dev", current.Version)
	}
	if current.Commit != "deadbeef" {
		t.Fatalf("explicit commit must win, got %q", current.Commit)
	}
}
