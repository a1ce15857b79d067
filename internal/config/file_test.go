package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	defer resetFile()
	path := writeFile(t, `
port: 8081
ledger-dsn: postgres://ledger@db/jobs
enable_intake: false
cluster:
  addr: login.hpc.example:22
  status:
    timeout: 15s
blob:
  max_bytes: 1048576
reconcile:
  hosts: [a, b]
`)
	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"PORT", "8081"},
		{"LEDGER_DSN", "postgres://ledger@db/jobs"},
		{"ENABLE_INTAKE", "false"},
		{"CLUSTER_ADDR", "login.hpc.example:22"},
		{"CLUSTER_STATUS_TIMEOUT", "15s"},
		{"BLOB_MAX_BYTES", "1048576"},
		{"RECONCILE_HOSTS", "a,b"},
	}
	for _, tt := range tests {
		if got := GetEnv(tt.key, ""); got != tt.want {
			t.Errorf("GetEnv(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}

	if got := GetDurationEnv("CLUSTER_STATUS_TIMEOUT", time.Second); got != 15*time.Second {
		t.Errorf("duration from file = %v", got)
	}
	if GetBoolEnv("ENABLE_INTAKE", true) {
		t.Error("bool from file ignored")
	}
	if got := GetInt64Env("BLOB_MAX_BYTES", 0); got != 1048576 {
		t.Errorf("int64 from file = %d", got)
	}

	// Environment wins over the file.
	t.Setenv("PORT", "9000")
	if got := GetEnv("PORT", ""); got != "9000" {
		t.Errorf("env override = %q", got)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	defer resetFile()
	if err := LoadFile(""); err != nil {
		t.Errorf("empty path should be a no-op, got %v", err)
	}
	if err := LoadFile("/nonexistent/orchestrator.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
	if err := LoadFile(writeFile(t, "port: [unclosed")); err == nil {
		t.Error("expected error for invalid yaml")
	}
}
