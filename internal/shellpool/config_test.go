package shellpool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultSocketPath, cfg.SocketPath)
	assert.Equal(t, "", cfg.Affinity)
	assert.Equal(t, 2*time.Second, cfg.GracefulCloseTimeout)
	assert.Equal(t, 25*time.Millisecond, cfg.TerminationGrace)
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pdipd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"socket_path: /tmp/from-file.sock\naffinity: \"0:1\"\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-file.sock", cfg.SocketPath)
	assert.Equal(t, "0:1", cfg.Affinity)

	// Environment overrides win over the file.
	t.Setenv(SocketPathEnv, "/tmp/from-env.sock")
	t.Setenv(AffinityEnv, "2-3")

	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.sock", cfg.SocketPath)
	assert.Equal(t, "2-3", cfg.Affinity)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/pdipd.yaml")
	assert.Error(t, err)
}
