package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, int64(10), cfg.Server.MaxUploadMB)
	assert.InDelta(t, 0.9, cfg.Pipeline.ApprovalThreshold, 0.0001)
	assert.InDelta(t, 0.3, cfg.Pipeline.RejectFloor, 0.0001)
	assert.InDelta(t, 0.75, cfg.Pipeline.PDFEscalationThreshold, 0.0001)
	assert.InDelta(t, 0.005, cfg.Pipeline.AmountTolerance, 0.00001)
	assert.Equal(t, 1825, cfg.Pipeline.RetentionDays)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.FutureSkew)
	assert.Equal(t, 5*time.Second, cfg.AI.CostEffectiveTimeout)
	assert.Equal(t, 30*time.Second, cfg.AI.AgenticTimeout)
	assert.Equal(t, 3, cfg.AI.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.AI.Retry.InitialBackoff)
	assert.InDelta(t, 5.0, cfg.Credits.CloudAgentic, 0.0001)
	assert.InDelta(t, 0.0, cfg.Credits.PDFRegex, 0.0001)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
database:
  driver: sqlite
  sqlite_path: /tmp/local.db
pipeline:
  approval_threshold: 0.95
  retention_days: 365
ai:
  agentic_timeout: 45s
credits:
  cloud_agentic: 8
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/local.db", cfg.Database.SQLitePath)
	assert.InDelta(t, 0.95, cfg.Pipeline.ApprovalThreshold, 0.0001)
	assert.Equal(t, 365, cfg.Pipeline.RetentionDays)
	assert.Equal(t, 45*time.Second, cfg.AI.AgenticTimeout)
	assert.InDelta(t, 8.0, cfg.Credits.CloudAgentic, 0.0001)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("FISCAL_PIPELINE_REJECT_FLOOR", "0.4")
	t.Setenv("FISCAL_SERVER_PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.4, cfg.Pipeline.RejectFloor, 0.0001)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	dir := chdirTemp(t)
	yaml := `
pipeline:
  approval_threshold: 0.5
  reject_floor: 0.6
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reject_floor")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.Error(t, InitLogger(LogConfig{Level: "loud", Format: "json"}))
}
