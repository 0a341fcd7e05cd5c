package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfy-registry/modelregistry/internal/urladmission"
)

func TestResolveConfigDefaultsWithoutPath(t *testing.T) {
	cfg, err := resolveConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8188", cfg.HTTP.Addr)
}

func TestResolveConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_path: /tmp/models\nhttp:\n  addr: \":9999\"\n"), 0o644))

	cfg, err := resolveConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/models", cfg.BasePath)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}

func TestWatchAllowlistReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("url_admission:\n  allowed_hosts: [\"huggingface.co\"]\n"), 0o644))

	admitter := urladmission.New([]string{"huggingface.co"})
	stop := watchAllowlist(path, admitter)
	defer stop()

	_, err := admitter.Admit("https://civitai.com/x")
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("url_admission:\n  allowed_hosts: [\"civitai.com\"]\n"), 0o644))

	require.Eventually(t, func() bool {
		_, err := admitter.Admit("https://civitai.com/x")
		return err == nil
	}, time.Second, 10*time.Millisecond, "allowlist should hot-reload after the config file changes")
}
