package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orbit/tools"
	"goa.design/orbit/tools/builtin"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orbitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "model:\n  name: claude-sonnet-4\n"))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, "anthropic", cfg.Model.Provider)
	require.Equal(t, "ANTHROPIC_API_KEY", cfg.Model.APIKeyEnv)
	require.Equal(t, "orbit", cfg.Mongo.Database)
	require.Equal(t, "orbit-sessions", cfg.Temporal.TaskQueue)
	// The zero config runs with the same timeouts the components default to.
	require.Equal(t, tools.DefaultCallTimeout, time.Duration(cfg.Tools.CallTimeout))
	require.Equal(t, builtin.DefaultHITLTimeout, time.Duration(cfg.HITL.DefaultTimeout))
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
model:
  name: gpt-4o
  provider: openai
  api_key_env: OPENAI_API_KEY
tools:
  call_timeout: 45s
hitl:
  default_timeout: 10m
`))
	require.NoError(t, err)

	require.Equal(t, "openai", cfg.Model.Provider)
	require.Equal(t, 45*time.Second, time.Duration(cfg.Tools.CallTimeout))
	require.Equal(t, 10*time.Minute, time.Duration(cfg.HITL.DefaultTimeout))
	// Untouched sections keep their defaults.
	require.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadConfigRequiresModelName(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "model:\n  provider: openai\n"))
	require.ErrorContains(t, err, "model name")
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "model:\n  name: gpt-4o\ntools:\n  call_timeout: soon\n"))
	require.ErrorContains(t, err, "invalid duration")
}
