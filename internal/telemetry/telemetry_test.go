package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_newLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "circulation", "warn")

	logger.Info("dropped")
	logger.Warn("kept", "copy_id", "c-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "circulation", line["service"])
	assert.Equal(t, "c-1", line["copy_id"])
}

func Test_newLogger_UnknownLevelIsInfo(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "catalog", "chatty").Debug("hidden")
	assert.Zero(t, buf.Len())
}

func Test_Setup_WithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "catalog", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
