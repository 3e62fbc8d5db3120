package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitEnvironmentVariables(t *testing.T) {
	t.Run("Missing file is not an error", func(t *testing.T) {
		err := InitEnvironmentVariables(filepath.Join(t.TempDir(), ".env"))
		assert.NoError(t, err)
	})

	t.Run("Loads values without overriding the environment", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("TRACEBUS_TEST_A=from-file\nTRACEBUS_TEST_B=from-file\n"), 0o600))

		t.Setenv("TRACEBUS_TEST_B", "from-env")
		t.Cleanup(func() { os.Unsetenv("TRACEBUS_TEST_A") })

		require.NoError(t, InitEnvironmentVariables(envFile))

		a, err := GetEnv("TRACEBUS_TEST_A")
		assert.NoError(t, err)
		assert.Equal(t, "from-file", a)
		assert.Equal(t, "from-env", GetEnvOrDefault("TRACEBUS_TEST_B", "fallback"))
		assert.Equal(t, "fallback", GetEnvOrDefault("TRACEBUS_TEST_UNSET", "fallback"))
	})
}
