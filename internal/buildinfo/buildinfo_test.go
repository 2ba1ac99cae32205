package buildinfo

import "testing"

func withBuildInfo(t *testing.T, version, commit, date string) {
	t.Helper()
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	Version, Commit, Date = version, commit, date
	t.Cleanup(func() {
		Version, Commit, Date = oldVersion, oldCommit, oldDate
	})
}

func TestString(t *testing.T) {
	withBuildInfo(t, "1.2.3", "deadbeef", "2026-01-30")

	got := String()
	want := "patternd version=1.2.3 commit=deadbeef date=2026-01-30"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestUserAgent(t *testing.T) {
	withBuildInfo(t, "0.4.0", "abc", "today")

	if got := UserAgent(); got != "patternd/0.4.0" {
		t.Fatalf("UserAgent() = %q", got)
	}
}
