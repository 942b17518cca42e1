package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaobenny/ccpulse/cli/internal/config"
	"github.com/zhaobenny/ccpulse/cli/internal/output"
)

// captureStdout runs fn with os.Stdout redirected
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()
	w.Close()
	return <-done
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestConfigCommandSaves(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "cfg.yaml")

	require.NoError(t, execute(t, "config", "--config", path, "--server", "https://usage.example.com", "--interval", "15"))

	cfg, err := config.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://usage.example.com", cfg.Server)
	assert.Equal(t, 15, cfg.Interval)
	assert.Empty(t, cfg.APIKey)
}

func TestConfigCommandRejectsBadInterval(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "cfg.yaml")
	require.NoError(t, config.Save(path, &config.Config{Interval: 15}))

	err := execute(t, "config", "--config", path, "--interval", "1441")
	assert.ErrorContains(t, err, "between 1 and 1440")

	cfg, err := config.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Interval)
}

func TestOnceRequiresAPIKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.EnvAPIKey, "")

	err := execute(t, "once", "--config", filepath.Join(home, "none.yaml"))
	assert.ErrorIs(t, err, config.ErrNoAPIKey)
}

func TestScanJSONOffline(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	projects := filepath.Join(home, "projects", "p1")
	require.NoError(t, os.MkdirAll(projects, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projects, "s.jsonl"), []byte(
		`{"requestId":"r1","timestamp":"2024-03-01T10:00:00Z","message":{"id":"m1","model":"claude-sonnet-4-5","usage":{"input_tokens":1000,"output_tokens":100}}}`+"\n"+
			`{"requestId":"r1","timestamp":"2024-03-01T10:00:01Z","message":{"id":"m1","model":"claude-sonnet-4-5","usage":{"input_tokens":1000,"output_tokens":900}}}`+"\n",
	), 0644))

	var err error
	out := captureStdout(t, func() {
		err = execute(t, "scan", "--config", filepath.Join(home, "none.yaml"),
			"--projects-dir", filepath.Join(home, "projects"), "--json", "--offline")
	})
	require.NoError(t, err)

	var got output.JSONOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Results, 1)
	assert.Equal(t, "2024-03-01", got.Results[0].Key)
	assert.Equal(t, int64(100), got.Results[0].OutputTokens)
	assert.InDelta(t, 1000*3e-06+100*1.5e-05, got.Total.Cost, 1e-12)

	_, statErr := os.Stat(filepath.Join(home, ".ccpulse-state.json"))
	assert.True(t, os.IsNotExist(statErr), "scan must not write state")
}
