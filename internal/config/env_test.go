package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestEnvGetters(t *testing.T) {
	t.Setenv("WFI_TEST_STR", "custom")
	t.Setenv("WFI_TEST_INT", "123")
	t.Setenv("WFI_TEST_BAD_INT", "twelve")
	t.Setenv("WFI_TEST_BOOL", "true")
	t.Setenv("WFI_TEST_BAD_BOOL", "maybe")
	t.Setenv("WFI_TEST_DUR", "30s")
	t.Setenv("WFI_TEST_BAD_DUR", "soon")
	t.Setenv("WFI_TEST_LIST", " a, ,b ,c")

	if got := GetEnv("WFI_TEST_STR", "default"); got != "custom" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("WFI_TEST_MISSING", "default"); got != "default" {
		t.Errorf("GetEnv default = %q", got)
	}
	if got := GetIntEnv("WFI_TEST_INT", 42); got != 123 {
		t.Errorf("GetIntEnv = %d", got)
	}
	if got := GetIntEnv("WFI_TEST_BAD_INT", 42); got != 42 {
		t.Errorf("GetIntEnv invalid = %d", got)
	}
	if got := GetBoolEnv("WFI_TEST_BOOL", false); !got {
		t.Error("GetBoolEnv = false")
	}
	if got := GetBoolEnv("WFI_TEST_BAD_BOOL", true); !got {
		t.Error("GetBoolEnv invalid should fall back to default")
	}
	if got := GetDurationEnv("WFI_TEST_DUR", time.Second); got != 30*time.Second {
		t.Errorf("GetDurationEnv = %v", got)
	}
	if got := GetDurationEnv("WFI_TEST_BAD_DUR", time.Second); got != time.Second {
		t.Errorf("GetDurationEnv invalid = %v", got)
	}
	if got := GetListEnv("WFI_TEST_LIST"); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("GetListEnv = %v", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()
	if got := GetSecretFile(""); got != "" {
		t.Errorf("empty path = %q", got)
	}
	if got := GetSecretFile("/nonexistent/path/to/secret"); got != "" {
		t.Errorf("missing file = %q", got)
	}

	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("syn-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := GetSecretFile(path); got != "syn-token" {
		t.Errorf("GetSecretFile = %q", got)
	}
}

func TestLoadServiceConfigDefaults(t *testing.T) {
	t.Setenv("WORK_DIR", "/var/lib/wfinterop")
	t.Setenv("STORE_DSN", "")
	t.Setenv("POLL_SCHEDULE", "")

	cfg := LoadServiceConfig()
	if cfg.StoreDSN != filepath.Join("/var/lib/wfinterop", "submissions.db") {
		t.Errorf("StoreDSN = %q", cfg.StoreDSN)
	}
	if cfg.PollSchedule != "@every 30s" {
		t.Errorf("PollSchedule = %q", cfg.PollSchedule)
	}
	if cfg.AnnotateRetryWait != 3*time.Second || cfg.AnnotateRetryAttempts != 10 {
		t.Errorf("annotate retry = %v x %d", cfg.AnnotateRetryWait, cfg.AnnotateRetryAttempts)
	}
	if cfg.DefaultWESID == "" {
		t.Error("DefaultWESID must have a default")
	}
}
