package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)

	logger.Log(context.Background(), LevelTrace, "hello", "k", 1)
	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, "source=logutil_test.go:")
}

func TestTraceRespectsLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	slog.SetDefault(NewLogger(&buf, slog.LevelDebug))
	Trace("hidden")
	assert.Empty(t, buf.String())

	slog.SetDefault(NewLogger(&buf, LevelTrace))
	Trace("shown", "layer", 3)
	out := buf.String()
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "layer=3")
	assert.True(t, strings.Contains(out, "source=logutil_test.go:"), out)
}
