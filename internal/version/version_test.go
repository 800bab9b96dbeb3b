package version

import "testing"

func TestString(t *testing.T) {
	Version, GitSHA, BuildTime = "v1.2.0", "abc1234", "2026-10-16T00:00:00Z"
	defer func() { Version, GitSHA, BuildTime = "dev", "unknown", "unknown" }()

	want := "lifeline v1.2.0 (abc1234, built 2026-10-16T00:00:00Z)"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
