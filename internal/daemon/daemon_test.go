package daemon

import (
	"testing"

	"github.com/harun/mira/internal/config"
	"github.com/harun/mira/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Provider.APIKey = "sk-ant-test-key"
	cfg.Gateway.SharedSecret = "test-secret"

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNewDaemon(t *testing.T) {
	t.Run("should wire all modules", func(t *testing.T) {
		d := newTestDaemon(t)

		assert.NotNil(t, d.GetConfig())
		assert.NotNil(t, d.GetOrchestrator())
		assert.NotNil(t, d.GetGatewayServer())
	})

	t.Run("should reject an unknown provider", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Provider.Name = "bard"

		log, err := logger.New(logger.Config{Level: "info", Console: false})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		assert.Error(t, err)
	})
}

func TestDaemonStatus(t *testing.T) {
	t.Run("should report stopped before start", func(t *testing.T) {
		d := newTestDaemon(t)

		status := d.Status()
		assert.False(t, status.Running)
		assert.Zero(t, status.Uptime)
	})

	t.Run("should reject stop when not running", func(t *testing.T) {
		d := newTestDaemon(t)
		assert.Error(t, d.Stop())
	})
}
