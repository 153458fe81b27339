package internal

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// writeScript installs an executable /bin/sh script standing in for an
// external media tool.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}
