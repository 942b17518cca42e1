package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ccpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil), Overrides{}, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultServer, cfg.Server)
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, "/home/tester/.claude/projects", cfg.ProjectsDir)
	assert.Equal(t, "/home/tester/.ccpulse-state.json", cfg.StateFile)
	assert.False(t, cfg.Insecure)
	assert.ErrorIs(t, cfg.RequireCredentials(), ErrNoAPIKey)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	path := writeConfig(t, `
server: http://file:3000/
api_key: file-key
projects_dir: ~/file-projects
interval: 10
`)

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := Load(path, envMap(nil), Overrides{}, nil)
		require.NoError(t, err)
		assert.Equal(t, "http://file:3000", cfg.Server)
		assert.Equal(t, "file-key", cfg.APIKey)
		assert.Equal(t, "/home/tester/file-projects", cfg.ProjectsDir)
		assert.Equal(t, 10, cfg.Interval)
	})

	t.Run("env over file", func(t *testing.T) {
		cfg, err := Load(path, envMap(map[string]string{
			EnvServer:   "http://env:3000",
			EnvAPIKey:   "env-key",
			EnvInterval: "15",
			EnvInsecure: "true",
		}), Overrides{}, nil)
		require.NoError(t, err)
		assert.Equal(t, "http://env:3000", cfg.Server)
		assert.Equal(t, "env-key", cfg.APIKey)
		assert.Equal(t, 15, cfg.Interval)
		assert.True(t, cfg.Insecure)
		assert.Equal(t, "/home/tester/file-projects", cfg.ProjectsDir)
	})

	t.Run("flags over env", func(t *testing.T) {
		insecure := false
		cfg, err := Load(path, envMap(map[string]string{
			EnvServer:   "http://env:3000",
			EnvInsecure: "1",
		}), Overrides{Server: "http://flag:3000", Interval: 30, Insecure: &insecure}, nil)
		require.NoError(t, err)
		assert.Equal(t, "http://flag:3000", cfg.Server)
		assert.Equal(t, 30, cfg.Interval)
		assert.False(t, cfg.Insecure)
	})
}

func TestLoadIntervalOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want int
	}{
		{"zero", "0", DefaultInterval},
		{"negative", "-3", DefaultInterval},
		{"too large", "1441", DefaultInterval},
		{"garbage", "soon", DefaultInterval},
		{"lower bound", "1", 1},
		{"upper bound", "1440", 1440},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"),
				envMap(map[string]string{EnvInterval: tt.env}), Overrides{}, zap.New(core))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Interval)
			if tt.want == DefaultInterval {
				assert.NotZero(t, logs.Len(), "expected a warning")
			} else {
				assert.Zero(t, logs.Len())
			}
		})
	}
}

func TestIntervalFlagOutOfRangeKeepsLowerLayers(t *testing.T) {
	fromFile := writeConfig(t, "interval: 15\n")
	for _, flag := range []int{-1, 1441, 100000} {
		core, logs := observer.New(zap.WarnLevel)
		cfg, err := Load(fromFile, envMap(nil), Overrides{Interval: flag}, zap.New(core))
		require.NoError(t, err)
		assert.Equal(t, 15, cfg.Interval, "flag %d", flag)
		assert.Equal(t, 1, logs.FilterMessage("ignoring out of range --interval").Len())

		cfg, err = Load(fromFile, envMap(map[string]string{EnvInterval: "30"}), Overrides{Interval: flag}, nil)
		require.NoError(t, err)
		assert.Equal(t, 30, cfg.Interval, "flag %d", flag)
	}

	cfg, err := Load(fromFile, envMap(nil), Overrides{Interval: 1440}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1440, cfg.Interval)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ccpulse.yaml")
	require.NoError(t, Save(path, &Config{Server: "https://usage.example.com", APIKey: "ccp_abcdef0123456789"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://usage.example.com", cfg.Server)
	assert.Equal(t, "ccp_abcd...6789", cfg.MaskedAPIKey())
}

func TestReadFileInvalid(t *testing.T) {
	_, err := ReadFile(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}
