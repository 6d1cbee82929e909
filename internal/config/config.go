// Package config loads and persists the agent configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Environment variables consulted when the config file leaves a field unset.
const (
	EnvConfigPath    = "PULSE_MDM_CONFIG"
	EnvServerURL     = "PULSE_SERVER_URL"
	EnvEnrollmentKey = "PULSE_ENROLLMENT_KEY"
)

const (
	// DefaultServerURL is used when neither the file nor the environment names a server.
	DefaultServerURL = "http://localhost:5005/api"

	configDirName  = ".pulse-mdm"
	configFileName = "config.json"
)

// ErrMissingEnrollmentKey is returned by Validate when no enrollment key is configured.
var ErrMissingEnrollmentKey = errors.New("enrollment key is required (set enrollment_key in the config file or PULSE_ENROLLMENT_KEY)")

// Config is the persisted agent configuration.
type Config struct {
	ServerURL     string `json:"server_url"     mapstructure:"server_url"`
	EnrollmentKey string `json:"enrollment_key" mapstructure:"enrollment_key"`
	DeviceID      string `json:"device_id"      mapstructure:"device_id"`
}

// Validate reports whether the configuration is usable for enrollment.
func (c Config) Validate() error {
	if c.EnrollmentKey == "" {
		return ErrMissingEnrollmentKey
	}
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	return nil
}

// Dir returns the per-user configuration directory (~/.pulse-mdm).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

// DefaultPath returns the config file location, honoring PULSE_MDM_CONFIG.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Store owns the loaded configuration and its file.
// It is safe for concurrent use.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg Config
}

// Load reads the config file at path. A missing file is not an error: the
// configuration then comes from the environment and is written back so the
// file exists after first run. A file that cannot be parsed is an error.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	defaults := envDefaults()
	v.SetDefault("server_url", defaults.ServerURL)
	v.SetDefault("enrollment_key", defaults.EnrollmentKey)
	v.SetDefault("device_id", "")

	exists := true
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		exists = false
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	// Empty values in the file fall back to the environment.
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaults.ServerURL
	}
	if cfg.EnrollmentKey == "" {
		cfg.EnrollmentKey = defaults.EnrollmentKey
	}

	s := &Store{path: path, cfg: cfg}
	if !exists {
		if err := s.save(cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func envDefaults() Config {
	cfg := Config{
		ServerURL:     os.Getenv(EnvServerURL),
		EnrollmentKey: os.Getenv(EnvEnrollmentKey),
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	return cfg
}

// Path returns the file the store reads and writes.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// DeviceID returns the persisted device id, or "" if none has been assigned.
func (s *Store) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DeviceID
}

// SetDeviceID assigns and persists the device id. The in-memory value only
// changes once the file has been written.
func (s *Store) SetDeviceID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	next.DeviceID = id
	if err := s.save(next); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// Save writes cfg to path, replacing any existing file.
func Save(path string, cfg Config) error {
	return (&Store{path: path}).save(cfg)
}

func (s *Store) save(cfg Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
