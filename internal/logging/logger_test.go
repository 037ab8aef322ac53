package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	require.Error(t, err)
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger(Config{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flipcut.log")

	logger, err := NewLogger(Config{Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("hello", zap.String("k", "v"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	WithOperation(zap.New(core), "pipeline.run", "req-1").Info("done")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pipeline.run", fields["operation"])
	assert.Equal(t, "req-1", fields["request_id"])
}
