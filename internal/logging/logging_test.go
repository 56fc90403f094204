package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(&buf, false, "text")
	logger.Debug("hidden")
	logger.Info("shown", "key", "value")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown key=value")
}

func TestNewLoggerDebugJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(&buf, true, "json")
	logger.Debug("detail", "n", 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "detail", entry["msg"])
	assert.Contains(t, entry, "source")
}

func TestOpenLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rtcrd.log")

	f, err := OpenLogFile(path)
	require.NoError(t, err)

	NewLogger(f, false, "text").Info("first")
	require.NoError(t, f.Close())

	f, err = OpenLogFile(path)
	require.NoError(t, err)

	NewLogger(f, false, "text").Info("second")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=first")
	assert.Contains(t, string(data), "msg=second")
}
