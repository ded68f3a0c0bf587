package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	d := newTestDaemon(t)

	lm := NewLifecycleManager(d)
	assert.NotNil(t, lm)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(d.config.DataDir, "mira.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d := newTestDaemon(t)
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	_, err := os.Stat(lm.pidFile)
	assert.NoError(t, err)

	require.NoError(t, lm.Stop())

	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestLifecycleManagerIsRunning(t *testing.T) {
	d := newTestDaemon(t)
	lm := NewLifecycleManager(d)

	t.Run("should be false without a PID file", func(t *testing.T) {
		assert.False(t, lm.IsRunning())
	})

	t.Run("should recognize a live process", func(t *testing.T) {
		require.NoError(t, lm.Start())
		defer lm.Stop()

		assert.True(t, lm.IsRunning())
	})

	t.Run("should be false for a dead PID", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(d.config.DataDir, 0755))
		require.NoError(t, os.WriteFile(lm.pidFile, []byte("999999999"), 0644))
		defer os.Remove(lm.pidFile)

		assert.False(t, lm.IsRunning())
	})
}

func TestLifecycleManagerGetPID(t *testing.T) {
	d := newTestDaemon(t)
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
