package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rash/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, LevelFromString("debug"))
	assert.Equal(t, slog.LevelInfo, LevelFromString("INFO"))
	assert.Equal(t, slog.LevelWarn, LevelFromString("warn"))
	assert.Equal(t, slog.LevelError, LevelFromString("error"))
	assert.Equal(t, LevelNone, LevelFromString("none"))
	assert.Equal(t, LevelNone, LevelFromString("bogus"))
}

func TestHandlerFormatsRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo, true)).
		With(slog.String("component", "scheduler")).
		WithGroup("task")

	log.Debug("hidden")
	log.Info("task fired", slog.String("id", "abc"), slog.Duration("elapsed", 1500*time.Microsecond))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] task fired component=scheduler task.id=abc task.elapsed=1.5ms")
	assert.NotContains(t, out, "\033[", "colors are only used on terminals")
}

func TestHandlerQuotesValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(NewHandler(&buf, slog.LevelDebug, false)).Warn("failed", slog.String("error", "boom bang"))
	assert.Contains(t, buf.String(), `[WARN] failed error="boom bang"`)
}

func TestSetupWritesToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "rash.log")
	closer, err := Setup(util.LogConfig{Level: "info", File: path, Format: "json"})
	require.NoError(t, err)

	NewLogger("runtime").Info("started")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"started"`)
	assert.Contains(t, string(data), `"component":"runtime"`)
}
