package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info", "json").WithComponent("worker").WithImageID("abc")

	log.InfoContext(context.Background(), "processed", "elapsed", 1.5)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "processed", line["msg"])
	assert.Equal(t, "worker", line["component"])
	assert.Equal(t, "abc", line["image_id"])
	assert.Equal(t, 1.5, line["elapsed"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn", "json")

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug", "text")

	log.Debug("dbg", "k", "v")
	out := buf.String()
	assert.Contains(t, out, "dbg")
	assert.Contains(t, out, "k=v")
}
