package version

import "testing"

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestString(t *testing.T) {
	if String() == "" {
		t.Error("String should not be empty")
	}

	// Default build has no commit metadata, so String is the bare version.
	if GitCommit == "unknown" && String() != Version {
		t.Errorf("String() = %q, want %q", String(), Version)
	}
}
