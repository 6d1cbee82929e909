package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path string, cfg map[string]string) {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func readConfig(t *testing.T, path string) Config {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg Config
	require.NoError(t, json.Unmarshal(data, &cfg))
	return cfg
}

func TestLoadMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv(EnvServerURL, "https://mdm.example.com/api")
	t.Setenv(EnvEnrollmentKey, "env-key")
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	store, err := Load(path)
	require.NoError(t, err)

	cfg := store.Snapshot()
	assert.Equal(t, "https://mdm.example.com/api", cfg.ServerURL)
	assert.Equal(t, "env-key", cfg.EnrollmentKey)
	assert.Empty(t, cfg.DeviceID)

	// First run creates the file.
	assert.Equal(t, cfg, readConfig(t, path))
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestLoadDefaultsWithoutEnvironment(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvEnrollmentKey, "")

	store, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	cfg := store.Snapshot()
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.ErrorIs(t, cfg.Validate(), ErrMissingEnrollmentKey)
}

func TestLoadFileWinsOverEnvironment(t *testing.T) {
	t.Setenv(EnvServerURL, "https://env.example.com/api")
	t.Setenv(EnvEnrollmentKey, "env-key")
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, map[string]string{
		"server_url":     "https://file.example.com/api",
		"enrollment_key": "file-key",
		"device_id":      "device-123",
	})

	store, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Config{
		ServerURL:     "https://file.example.com/api",
		EnrollmentKey: "file-key",
		DeviceID:      "device-123",
	}, store.Snapshot())
	assert.Equal(t, "device-123", store.DeviceID())
}

func TestLoadEmptyFileValueFallsBackToEnvironment(t *testing.T) {
	t.Setenv(EnvEnrollmentKey, "env-key")
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, map[string]string{
		"server_url":     "https://file.example.com/api",
		"enrollment_key": "",
	})

	store, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", store.Snapshot().EnrollmentKey)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSetDeviceIDPersists(t *testing.T) {
	t.Setenv(EnvEnrollmentKey, "key")
	path := filepath.Join(t.TempDir(), "config.json")

	store, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, store.SetDeviceID("abc-123"))
	assert.Equal(t, "abc-123", store.DeviceID())
	assert.Equal(t, "abc-123", readConfig(t, path).DeviceID)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", reloaded.DeviceID())
	assert.Equal(t, "key", reloaded.Snapshot().EnrollmentKey)
}

func TestSetDeviceIDWriteFailureKeepsMemoryUnchanged(t *testing.T) {
	if runtime.GOOS == "windows" || os.Getuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	dir := filepath.Join(t.TempDir(), "cfg")
	path := filepath.Join(dir, "config.json")

	store, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	require.Error(t, store.SetDeviceID("abc-123"))
	assert.Empty(t, store.DeviceID())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"valid", Config{ServerURL: DefaultServerURL, EnrollmentKey: "k"}, nil},
		{"missing key", Config{ServerURL: DefaultServerURL}, ErrMissingEnrollmentKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Error(t, Config{EnrollmentKey: "k"}.Validate())
}

func TestDefaultPathHonorsOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/pulse/custom.json")
	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pulse/custom.json", path)

	t.Setenv(EnvConfigPath, "")
	path, err = DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(".pulse-mdm", "config.json"), filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path)))
}
