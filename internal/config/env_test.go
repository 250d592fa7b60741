package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_STRING", "value")

	if got := GetEnv("TEST_STRING", "default"); got != "value" {
		t.Errorf("GetEnv set = %q, want %q", got, "value")
	}
	if got := GetEnv("TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("GetEnv missing = %q, want %q", got, "default")
	}
}

func TestGetIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "not-a-number")

	if got := GetIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("GetIntEnv set = %d, want 42", got)
	}
	if got := GetIntEnv("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("GetIntEnv invalid = %d, want default 7", got)
	}
	if got := GetIntEnv("TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("GetIntEnv missing = %d, want default 7", got)
	}
}

func TestGetFloatEnv(t *testing.T) {
	t.Setenv("TEST_FLOAT", "1.5")
	t.Setenv("TEST_FLOAT_BAD", "one point five")

	if got := GetFloatEnv("TEST_FLOAT", 2.0); got != 1.5 {
		t.Errorf("GetFloatEnv set = %v, want 1.5", got)
	}
	if got := GetFloatEnv("TEST_FLOAT_BAD", 2.0); got != 2.0 {
		t.Errorf("GetFloatEnv invalid = %v, want default 2.0", got)
	}
}

func TestGetDurationEnv(t *testing.T) {
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_DURATION_BAD", "thirty seconds")

	if got := GetDurationEnv("TEST_DURATION", time.Minute); got != 30*time.Second {
		t.Errorf("GetDurationEnv set = %v, want 30s", got)
	}
	if got := GetDurationEnv("TEST_DURATION_BAD", time.Minute); got != time.Minute {
		t.Errorf("GetDurationEnv invalid = %v, want default 1m", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, []byte("  hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if got := GetSecretFile(path); got != "hunter2" {
		t.Errorf("GetSecretFile = %q, want trimmed %q", got, "hunter2")
	}
	if got := GetSecretFile(""); got != "" {
		t.Errorf("GetSecretFile empty path = %q, want empty", got)
	}
	if got := GetSecretFile(filepath.Join(dir, "missing")); got != "" {
		t.Errorf("GetSecretFile missing file = %q, want empty", got)
	}
}
