package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 5*time.Second, cfg.DrainTimeout)
	assert.Equal(t, "ffe0", cfg.ServiceUUID)
	assert.Equal(t, "ffe1", cfg.CommandCharUUID)
	assert.Equal(t, "ffe1", cfg.NotifyCharUUID)
	assert.Equal(t, "unbounded", cfg.EventPolicy)
	assert.Equal(t, 500, cfg.DataLogLimit)
	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "falls back to info for unknown level", logLevel: "chatty", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.want, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file overrides only the fields it sets", func(t *testing.T) {
		path := filepath.Join(dir, "blectl.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
operation_timeout: 750ms
notify_char_uuid: "0xFFE2"
event_policy: drop-oldest
event_buffer: 32
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 750*time.Millisecond, cfg.OperationTimeout)
		assert.Equal(t, 30*time.Second, cfg.ConnectTimeout, "unset fields MUST keep defaults")
		assert.Equal(t, "ffe1", cfg.CommandCharUUID, "unset fields MUST keep defaults")

		opts, err := cfg.SessionOptions()
		require.NoError(t, err)
		assert.Equal(t, session.PolicyDropOldest, opts.EventPolicy)
		assert.Equal(t, 32, opts.EventBuffer)
		assert.Equal(t, []session.CharacteristicID{
			session.MustCharacteristicID("ffe0", "ffe1"),
			session.MustCharacteristicID("ffe0", "ffe2"),
		}, opts.Required, "distinct notify characteristic MUST be required too")
		assert.Equal(t, []session.CharacteristicID{session.MustCharacteristicID("ffe0", "ffe2")}, opts.AutoSubscribe)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("service_uuid: zz\nevent_policy: lossy\n"), 0o600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "command characteristic")
		assert.ErrorContains(t, err, "invalid event policy")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestSessionOptions_SharedCharacteristic(t *testing.T) {
	opts, err := DefaultConfig().SessionOptions()
	require.NoError(t, err)

	char := session.MustCharacteristicID("ffe0", "ffe1")
	assert.Equal(t, []session.CharacteristicID{char}, opts.Required, "shared characteristic MUST be required once")
	assert.Equal(t, []session.CharacteristicID{char}, opts.AutoSubscribe)
	assert.Equal(t, session.PolicyUnbounded, opts.EventPolicy)
	assert.Equal(t, 5*time.Second, opts.OperationTimeout)
}

func TestRemoteOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WriteWithoutResponse = true

	opts, err := cfg.RemoteOptions()
	require.NoError(t, err)
	assert.Equal(t, session.MustCharacteristicID("ffe0", "ffe1"), opts.CommandChar)
	assert.Equal(t, opts.CommandChar, opts.NotifyChar)
	assert.True(t, opts.WithoutResponse)
	assert.Equal(t, 500, opts.DataLogLimit)

	cfg.CommandCharUUID = "nope"
	_, err = cfg.RemoteOptions()
	assert.ErrorContains(t, err, "command characteristic")
}
