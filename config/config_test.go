package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/billing.db", cfg.Database.Path)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.NoError(t, cfg.Validate())

	d, err := cfg.SchedulerInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
}

func TestParse_OverridesOnlyGivenFields(t *testing.T) {
	cfg, err := Parse(`
[server]
port = 9090

[scheduler]
interval = "15m"

[log]
level = "debug"
format = "json"
`)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, Default().Server.AllowedOrigins, cfg.Server.AllowedOrigins)
	assert.Equal(t, "./data/billing.db", cfg.Database.Path)

	d, err := cfg.SchedulerInterval()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad toml", "[server\nport = 1"},
		{"port out of range", "[server]\nport = 70000"},
		{"empty db path", "[database]\npath = \"\""},
		{"bad interval", "[scheduler]\ninterval = \"hourly\""},
		{"negative interval", "[scheduler]\ninterval = \"-5m\""},
		{"bad level", "[log]\nlevel = \"loud\""},
		{"bad format", "[log]\nformat = \"xml\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.toml")
	require.NoError(t, os.WriteFile(path, []byte("[database]\npath = \":memory:\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Database.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
