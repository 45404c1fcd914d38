package config

import (
	"testing"
	"time"

	"github.com/centinelacam/centinela/pkg/log"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(log.NewTestingLog(t))
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.HTTPPort)
	require.Equal(t, float32(0.70), cfg.PersonThreshold)
	require.Equal(t, float32(0.70), cfg.ViolenceThreshold)
	require.Equal(t, 2*time.Second, cfg.Cooldown)
	require.Equal(t, 6*time.Second, cfg.StatePostRoll)
	require.Equal(t, 12, cfg.OutputFPS)
	require.Equal(t, int64(50*1024*1024), cfg.MaxVideoSize)
	require.Equal(t, 10, cfg.DuplicationFactor)
	require.Equal(t, 3, cfg.ProcessEveryNIdle)
	require.Equal(t, 1, cfg.ProcessEveryNActive)
	require.Equal(t, 15*time.Second, cfg.VoiceCooldown)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VIOLENCE_THRESHOLD", "0.85")
	t.Setenv("CENTINELA_PORT", "9000")
	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := Load(log.NewTestingLog(t))
	require.NoError(t, err)
	require.Equal(t, float32(0.85), cfg.ViolenceThreshold)
	require.Equal(t, 9000, cfg.HTTPPort)
	require.Equal(t, log.LevelWarn, cfg.LogLevel)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("VIOLENCE_THRESHOLD", "1.5")
	_, err := Load(log.NewTestingLog(t))
	require.Error(t, err)
}

func TestPostRollBelowCooldown(t *testing.T) {
	t.Setenv("STATE_POST_ROLL_SEC", "1")
	_, err := Load(log.NewTestingLog(t))
	require.Error(t, err)
}
