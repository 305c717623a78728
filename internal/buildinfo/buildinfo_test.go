package buildinfo

import "testing"

func TestString(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	Version = "1.2.3"
	Commit = "deadbeef"
	Date = "2026-01-30"
	t.Cleanup(func() {
		Version, Commit, Date = oldVersion, oldCommit, oldDate
	})

	if got, want := String(), "clawup 1.2.3 (commit deadbeef, built 2026-01-30)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got, want := UserAgent(), "clawup/1.2.3"; got != want {
		t.Fatalf("UserAgent() = %q, want %q", got, want)
	}
}
