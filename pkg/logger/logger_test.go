package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		l, err := NewLogger(nil)
		require.NoError(t, err)
		require.NotNil(t, l)
		require.False(t, l.Core().Enabled(-1))
	})

	t.Run("debug enables debug level", func(t *testing.T) {
		l, err := NewLogger(&LoggerConfig{Debug: true})
		require.NoError(t, err)
		require.True(t, l.Core().Enabled(-1))
	})

	t.Run("writes to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trading.log")
		l, err := NewLogger(&LoggerConfig{FilePath: path})
		require.NoError(t, err)

		l.Sugar().Infow("car listed", "carId", "1")
		_ = l.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(data), "car listed")
	})
}
