package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_MissingDatabaseURL_ReturnsError(t *testing.T) {
	t.Setenv(DatabaseURLEnvVar, "")
	t.Setenv(AppSecretKeyEnvVar, "hunter2")

	_, err := New()
	require.Error(t, err)
	require.Contains(t, err.Error(), DatabaseURLEnvVar)
}

func TestNew_Defaults_Success(t *testing.T) {
	t.Setenv(DatabaseURLEnvVar, "postgres://localhost:5432/filament")
	t.Setenv(AppSecretKeyEnvVar, "hunter2")
	t.Setenv(AllowInsecureMQTTTLSEnvVar, "")
	t.Setenv(AMSCalibrationEnabledEnvVar, "")

	cfg, err := New()
	require.NoError(t, err)
	require.True(t, cfg.AllowInsecureMQTTTLS)
	require.False(t, cfg.AMSCalibrationEnabled)
	require.Equal(t, 500, cfg.BatchSize)
	require.Equal(t, 2000, cfg.QueueCapacity)
}

func TestNew_OverrideBools_Success(t *testing.T) {
	t.Setenv(DatabaseURLEnvVar, "postgres://localhost:5432/filament")
	t.Setenv(AppSecretKeyEnvVar, "hunter2")
	t.Setenv(AllowInsecureMQTTTLSEnvVar, "false")
	t.Setenv(AMSCalibrationEnabledEnvVar, "true")

	cfg, err := New()
	require.NoError(t, err)
	require.False(t, cfg.AllowInsecureMQTTTLS)
	require.True(t, cfg.AMSCalibrationEnabled)
}

func TestNew_InvalidBool_ReturnsError(t *testing.T) {
	t.Setenv(DatabaseURLEnvVar, "postgres://localhost:5432/filament")
	t.Setenv(AppSecretKeyEnvVar, "hunter2")
	t.Setenv(AllowInsecureMQTTTLSEnvVar, "not-a-bool")

	_, err := New()
	require.Error(t, err)
}
