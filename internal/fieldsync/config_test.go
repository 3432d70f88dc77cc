package fieldsync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not fail: %v", err)
	}
	if cfg.ListenAddr != ":8790" || cfg.ProbeKind != "http" || cfg.PollInterval != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	content := strings.Join([]string{
		"listenAddr: \":9000\"",
		"apiBaseUrl: \"https://api.harvestline.example\"",
		"pollInterval: 30s",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("FIELDSYNC_ADDR", ":9100")
	t.Setenv("FIELDSYNC_POLL_INTERVAL", "2s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("env must win over file, got %s", cfg.ListenAddr)
	}
	if cfg.APIBaseURL != "https://api.harvestline.example" {
		t.Fatalf("file value lost: %s", cfg.APIBaseURL)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("env duration must win, got %s", cfg.PollInterval)
	}
}

func TestResolveStoreDSNProfiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoreDSN = "memory://"
	if dsn, err := cfg.ResolveStoreDSN(); err != nil || dsn != "memory://" {
		t.Fatalf("explicit dsn must pass through, got %s err=%v", dsn, err)
	}

	cfg = DefaultConfig()
	cfg.BackendProfile = "memory"
	if dsn, err := cfg.ResolveStoreDSN(); err != nil || dsn != "memory://" {
		t.Fatalf("memory profile: got %s err=%v", dsn, err)
	}

	cfg = DefaultConfig()
	cfg.DataDir = "/var/lib/fieldsync"
	dsn, err := cfg.ResolveStoreDSN()
	if err != nil {
		t.Fatalf("default profile failed: %v", err)
	}
	if dsn != "file://"+filepath.Join("/var/lib/fieldsync", "store.json") {
		t.Fatalf("default profile dsn: %s", dsn)
	}

	cfg = DefaultConfig()
	cfg.BackendProfile = "production"
	t.Setenv("FIELDSYNC_POSTGRES_DSN", "")
	if _, err := cfg.ResolveStoreDSN(); err == nil {
		t.Fatalf("production profile without a dsn must fail")
	}
	t.Setenv("FIELDSYNC_POSTGRES_DSN", "postgres://farm:pw@db/fieldsync")
	if dsn, err := cfg.ResolveStoreDSN(); err != nil || dsn != "postgres://farm:pw@db/fieldsync" {
		t.Fatalf("production profile: got %s err=%v", dsn, err)
	}

	cfg = DefaultConfig()
	cfg.BackendProfile = "oracle"
	if _, err := cfg.ResolveStoreDSN(); err == nil {
		t.Fatalf("unknown profile must fail")
	}
}
