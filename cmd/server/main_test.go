package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circ-billing/config"
)

func testCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addGlobalFlags(cmd)
	cmd.Flags().Int("port", 0, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	// GIVEN: A config file setting the port, database and log level
	// WHEN: Loading with --db and --port flags
	// THEN: Flags win and unflagged file values are kept

	path := filepath.Join(t.TempDir(), "billing.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000

[database]
path = "/var/lib/billing.db"

[log]
level = "debug"
`), 0o600))

	cmd := testCommand(t, "--config", path, "--db", ":memory:", "--port", "9100")
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(testCommand(t))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	_, err := loadConfig(testCommand(t, "--log-format", "xml"))
	assert.Error(t, err)
}

func TestNewLogger_Format(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "xact_id", 7)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"xact_id":7`)
}

func TestOpenStore_Memory(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"

	store, err := openStore(cfg)
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}
