package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "streamq.log")
	log, err := New(Options{Level: "debug", File: path})
	require.NoError(t, err)

	log.Info("exchange done", zap.String("trace_id", "L1"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trace_id":"L1"`)
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNewNop(t *testing.T) {
	log, err := New(Options{})
	require.NoError(t, err)
	assert.NotNil(t, log)
}
