package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*cobra.Command, flags) {
	t.Helper()
	cmd := &cobra.Command{Use: "timberline"}
	var f flags
	bindFlags(cmd, &f)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, f
}

func TestLoadConfig_Defaults(t *testing.T) {
	cmd, f := parse(t)
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Empty(t, cfg.Collector.Namespaces)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
collector:
  namespaces: [payments]
logging:
  level: warn
`), 0o600))

	cmd, f := parse(t, "--config", path, "-n", "shop", "-n", "web", "--log-level", "debug")
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr, "file value kept when the flag is unset")
	assert.Equal(t, []string{"shop", "web"}, cfg.Collector.Namespaces)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	cmd, f := parse(t, "--log-level", "chatty")
	_, err := loadConfig(cmd, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cmd, f := parse(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := loadConfig(cmd, f)
	assert.Error(t, err)
}
