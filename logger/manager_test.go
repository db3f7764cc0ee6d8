package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

func TestNewManagerAcceptsBuiltinTypes(t *testing.T) {
	for _, loggerType := range []string{"", "default", "zap"} {
		m, err := NewManager(&types.LoggerConfig{Type: loggerType, Level: "info"})
		require.NoError(t, err, "type %q must select the built-in logger", loggerType)
		require.NotNil(t, m)
		m.Info("configured")
	}
}

func TestNewManagerUnknownType(t *testing.T) {
	_, err := NewManager(&types.LoggerConfig{Type: "syslog"})
	assert.ErrorIs(t, err, types.ErrLoggerTypeUnknown)
}

func TestNewManagerNilConfig(t *testing.T) {
	_, err := NewManager(nil)
	assert.ErrorIs(t, err, types.ErrLoggerConfigInvalid)
}

func TestNewManagerCustomCreator(t *testing.T) {
	RegisterLogger("recording", func(config interface{}) (types.Logger, error) {
		return NewNopLogger(), nil
	})

	m, err := NewManager(&types.LoggerConfig{Type: "recording"})
	require.NoError(t, err)
	require.NotNil(t, m)
}
