package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil, "/tmp/nexus-data")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"0.0.0.0", "::"}, cfg.Binds)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, filepath.Join("/tmp/nexus-data", "nexus.db"), cfg.DatabasePath)
	require.Equal(t, filepath.Join("/tmp/nexus-data", "nexus.crt"), cfg.CertPath)
	require.Equal(t, filepath.Join("/tmp/nexus-data", "nexus.key"), cfg.KeyPath)
}

func TestParseRepeatedBindsAndOverrides(t *testing.T) {
	cfg, err := Parse([]string{
		"--bind", "127.0.0.1",
		"--bind", "::1",
		"--port", "9999",
		"--database", "/data/custom.db",
		"--upnp",
		"--debug",
		"--metrics-addr", ":9100",
	}, "/tmp/unused")
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1", "::1"}, cfg.Binds)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "/data/custom.db", cfg.DatabasePath)
	require.Equal(t, "/data/nexus.crt", cfg.CertPath)
	require.True(t, cfg.UPnP)
	require.True(t, cfg.Debug)
	require.Equal(t, ":9100", cfg.MetricsAddr)
}
