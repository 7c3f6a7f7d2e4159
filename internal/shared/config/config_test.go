package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, "absurd.db", cfg.DatabasePath)
	require.Equal(t, 60, cfg.DefaultLeaseSeconds)
	require.Equal(t, 5, cfg.DefaultMaxAttempts)
}

func TestLoad_FallsBackToDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}
