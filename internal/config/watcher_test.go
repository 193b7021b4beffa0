package config

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adminchat/internal/models"
)

func touch(t *testing.T, path, content string, at time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(path, at, at))
}

func TestConfigWatcher_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMINCHAT_TOKEN", "tok")
	t.Setenv("ADMINCHAT_ADMIN_ID", "a1")

	path := writeConfig(t, minimalConfig)
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	cw := NewConfigWatcher(path, initial, logger)

	var levels []string
	cw.OnConfigChange(func(c *models.Config) { levels = append(levels, c.LogLevel) })
	cw.OnConfigChange(func(*models.Config) { panic("bad callback") })

	assert.False(t, cw.Check(), "unchanged file")

	touch(t, path, `{"api":{"base_url":"https://api.example.com"},"database":{"path":"adminchat.db"},"log_level":"debug"}`,
		time.Now().Add(time.Minute))
	assert.True(t, cw.Check())
	assert.Equal(t, []string{"debug"}, levels)
	assert.Equal(t, "debug", cw.GetConfig().LogLevel)

	var sawPanic bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "Config change callback panicked" {
			sawPanic = true
		}
	}
	assert.True(t, sawPanic)
}

func TestConfigWatcher_KeepsPreviousOnInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMINCHAT_TOKEN", "tok")
	t.Setenv("ADMINCHAT_ADMIN_ID", "a1")

	path := writeConfig(t, minimalConfig)
	initial, err := LoadConfig(path)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	cw := NewConfigWatcher(path, initial, logger)

	touch(t, path, "{broken", time.Now().Add(time.Minute))
	assert.False(t, cw.Check())
	assert.Same(t, initial, cw.GetConfig())
}
