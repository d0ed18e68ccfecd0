package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m), buf.String())
	return m
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Warn("row skipped", Int64("schedule_id", 4), Err(errors.New("bad time")), Err(nil))

	m := decodeRecord(t, &buf)
	assert.Equal(t, "row skipped", m["message"])
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, "bad time", m["err"])
	assert.Equal(t, float64(4), m["schedule_id"])
	assert.Regexp(t, `^logger_test\.go:\d+$`, m["caller"])
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	parent := NewWriter(&buf, "info")
	_ = parent.With(String("run_id", "r1"))
	parent.Info("reload complete")

	assert.NotContains(t, decodeRecord(t, &buf), "run_id")
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.NotPanics(t, func() { zero.Error("no panic", String("k", "v")) })
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LevelWarn, parseLevel(" WARNING ", LevelInfo))
	assert.Equal(t, LevelDebug, parseLevel("debug", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("verbose", LevelInfo))
}
