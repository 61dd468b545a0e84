package utils

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggerConfig{Level: WARN, Component: "test", Output: &buf})

	log.Debug("dropped")
	log.Info("dropped too")
	log.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN ] [test] kept")
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggerConfig{Level: DEBUG, Output: &buf})

	log.Info("event",
		String("name", "page"),
		Int("count", 3),
		Uint64("addr", 65536),
		Bool("ok", true),
		Err(errors.New("boom")),
	)

	out := buf.String()
	assert.Contains(t, out, `name="page"`)
	assert.Contains(t, out, "count=3")
	assert.Contains(t, out, "addr=65536")
	assert.Contains(t, out, "ok=true")
	assert.Contains(t, out, `error="boom"`)
}

func TestWrapError(t *testing.T) {
	base := errors.New("out of pages")
	wrapped := WrapError(base, "slab")
	assert.True(t, errors.Is(wrapped, base))
	assert.Equal(t, "slab: out of pages", wrapped.Error())

	assert.Equal(t, "bare", WrapError(nil, "bare").Error())
	assert.Equal(t, "plain", NewError("plain").Error())
}
