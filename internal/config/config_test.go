package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "127.0.0.1"

database:
  host: "testdb"
  port: 5432
  user: "testuser"
  password: "testpass"
  dbname: "testdb"

rateLimit:
  window: "30s"
  failurePolicy: "fail_open"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}

	if cfg.Database.Host != "testdb" {
		t.Errorf("Expected database host testdb, got %s", cfg.Database.Host)
	}

	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, FailOpen, cfg.RateLimit.FailurePolicy)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8081\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, FailClosed, cfg.RateLimit.FailurePolicy)
	assert.True(t, cfg.Audit.Async)
	assert.Equal(t, 1024, cfg.Audit.BufferSize)
	assert.Equal(t, 9091, cfg.Metrics.Port)
	assert.Equal(t, "resumes", cfg.Storage.BucketName)
	assert.True(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Queue.Enabled)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Empty(t, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10, cfg.RateLimit.InternalBurst)
}

func TestLoadDisablesBackends(t *testing.T) {
	path := writeConfig(t, `
redis:
  enabled: false
queue:
  enabled: false
storage:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Queue.Enabled)
	assert.False(t, cfg.Storage.Enabled)
}

func TestLoadAllowedOrigins(t *testing.T) {
	path := writeConfig(t, "server:\n  allowedOrigins:\n    - \"https://app.example.com\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoadRejectsUnknownFailurePolicy(t *testing.T) {
	path := writeConfig(t, "rateLimit:\n  failurePolicy: \"sometimes\"\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
}
