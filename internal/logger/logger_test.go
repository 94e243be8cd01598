package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecordingLogger(buf *bytes.Buffer) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(buf, nil))}
}

func TestWithKeepsWrapperType(t *testing.T) {
	var buf bytes.Buffer
	base := newRecordingLogger(&buf)

	// With must return the wrapper so child loggers still chain into
	// WithComponent and friends.
	child := base.With("chat_id", "42").WithComponent("sender")
	child.Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "42", record["chat_id"])
	assert.Equal(t, "sender", record["component"])
}

func TestWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	base := newRecordingLogger(&buf)

	_ = base.With("chat_id", "42")
	base.Info("plain")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, hasChatID := record["chat_id"]
	assert.False(t, hasChatID)
}

func TestFromConfigLevels(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, FromConfig("debug", "text").Level)
	assert.Equal(t, slog.LevelWarn, FromConfig("warn", "text").Level)
	assert.Equal(t, slog.LevelInfo, FromConfig("bogus", "text").Level)
	assert.Equal(t, "json", FromConfig("info", "json").Format)
}
