package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-pc-approvals", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, int64(250000), cfg.Approval.WaiverEscalationThreshold)
	assert.Equal(t, "GO_NO_GO", cfg.Approval.ScorecardWorkflowKey)
	assert.Equal(t, 10*time.Second, cfg.Approval.LockTTL)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	body := []byte("server:\n  port: 9000\napproval:\n  waiver_escalation_threshold: 500000\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), body, 0o600))
	t.Setenv("PCA_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, int64(500000), cfg.Approval.WaiverEscalationThreshold)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRejectsNonPositiveThreshold(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PCA_APPROVAL_WAIVER_ESCALATION_THRESHOLD", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "pc", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=pc sslmode=disable", d.DSN())
}

func TestLoadServerAndMetricsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, 15*time.Second, cfg.Server.HealthInterval)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}
