package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eboa-io/eboa/internal/faults"
)

func TestGetters(t *testing.T) {
	t.Setenv("EBOA_TEST_STR", "value")
	t.Setenv("EBOA_TEST_INT", "8")
	t.Setenv("EBOA_TEST_BAD_INT", "eight")
	t.Setenv("EBOA_TEST_BAD_BOOL", "maybe")
	t.Setenv("EBOA_TEST_BOOL", " Yes ")
	t.Setenv("EBOA_TEST_DURATION", "90s")
	t.Setenv("EBOA_TEST_LEVEL", "WARNING")

	assert.Equal(t, "value", GetEnvStr("EBOA_TEST_STR", "default"))
	assert.Equal(t, "default", GetEnvStr("EBOA_TEST_UNSET", "default"))
	assert.Equal(t, 8, GetEnvInt("EBOA_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("EBOA_TEST_BAD_INT", 1))
	assert.True(t, GetEnvBool("EBOA_TEST_BOOL", false))
	assert.True(t, GetEnvBool("EBOA_TEST_BAD_BOOL", true))
	assert.Equal(t, 90*time.Second, GetEnvDuration("EBOA_TEST_DURATION", time.Second))
	assert.Equal(t, slog.LevelWarn, GetEnvLogLevel("EBOA_TEST_LEVEL", slog.LevelInfo))
	assert.Equal(t, slog.LevelInfo, GetEnvLogLevel("EBOA_TEST_UNSET", slog.LevelInfo))
}

func TestParseCommaSeparatedList(t *testing.T) {
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, ParseCommaSeparatedList(" kafka-1:9092, ,kafka-2:9092 "))
	assert.Empty(t, ParseCommaSeparatedList(""))
}

func TestResourcesPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	t.Run("unset", func(t *testing.T) {
		t.Setenv(ResourcesPathEnvVar, "")

		path, err := ResourcesPath()
		require.NoError(t, err)
		assert.Empty(t, path)
	})

	t.Run("directory", func(t *testing.T) {
		t.Setenv(ResourcesPathEnvVar, dir)

		path, err := ResourcesPath()
		require.NoError(t, err)
		assert.Equal(t, dir, path)
	})

	t.Run("missing", func(t *testing.T) {
		t.Setenv(ResourcesPathEnvVar, filepath.Join(dir, "missing"))

		_, err := ResourcesPath()
		assert.ErrorIs(t, err, faults.ResourcePathError)
	})

	t.Run("file", func(t *testing.T) {
		t.Setenv(ResourcesPathEnvVar, file)

		_, err := ResourcesPath()
		assert.ErrorIs(t, err, faults.ResourcePathError)
	})
}
