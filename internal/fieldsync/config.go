package fieldsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config drives the companion daemon's wiring. Values load from an
// optional YAML file and every field can be overridden with a
// FIELDSYNC_* environment variable.
type Config struct {
	ListenAddr     string        `yaml:"listenAddr"`
	BackendProfile string        `yaml:"backendProfile"`
	StoreDSN       string        `yaml:"storeDsn"`
	DataDir        string        `yaml:"dataDir"`
	APIBaseURL     string        `yaml:"apiBaseUrl"`
	APIToken       string        `yaml:"apiToken"`
	ProbeKind      string        `yaml:"probeKind"`
	ProbeURL       string        `yaml:"probeUrl"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	OverrideFile   string        `yaml:"offlineOverrideFile"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8790",
		DataDir:      ".fieldsync",
		ProbeKind:    "http",
		PollInterval: 10 * time.Second,
	}
}

// LoadConfig reads path when it exists and layers FIELDSYNC_* environment
// overrides on top. An empty path skips the file entirely.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	stringEnv("FIELDSYNC_ADDR", &c.ListenAddr)
	stringEnv("FIELDSYNC_BACKEND_PROFILE", &c.BackendProfile)
	stringEnv("FIELDSYNC_STORE_DSN", &c.StoreDSN)
	stringEnv("FIELDSYNC_DATA_DIR", &c.DataDir)
	stringEnv("FIELDSYNC_API_BASE_URL", &c.APIBaseURL)
	stringEnv("FIELDSYNC_API_TOKEN", &c.APIToken)
	stringEnv("FIELDSYNC_PROBE_KIND", &c.ProbeKind)
	stringEnv("FIELDSYNC_PROBE_URL", &c.ProbeURL)
	durationEnv("FIELDSYNC_POLL_INTERVAL", &c.PollInterval)
	stringEnv("FIELDSYNC_OFFLINE_OVERRIDE_FILE", &c.OverrideFile)
}

// ResolveStoreDSN applies the backend profile when no explicit DSN is
// configured, mirroring the profile scheme of the store factories.
func (c *Config) ResolveStoreDSN() (string, error) {
	if dsn := strings.TrimSpace(c.StoreDSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".fieldsync"
	}
	switch strings.ToLower(strings.TrimSpace(c.BackendProfile)) {
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("FIELDSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("FIELDSYNC_POSTGRES_DSN is required when backend profile is %s", c.BackendProfile)
		}
		return dsn, nil
	case "", "custom", "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "store.json"), nil
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", c.BackendProfile)
	}
}

func stringEnv(name string, target *string) {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		*target = raw
	}
}

func durationEnv(name string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return
	}
	*target = value
}
