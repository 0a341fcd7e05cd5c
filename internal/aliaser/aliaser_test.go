package aliaser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateSymlink(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "a.safetensors")
	require.NoError(t, os.WriteFile(canonical, []byte("content"), 0o644))

	alias := filepath.Join(dir, "sub", "b.safetensors")
	strategy, err := Create(canonical, alias)
	require.NoError(t, err)
	require.Equal(t, Symlink, strategy)

	data, err := os.ReadFile(alias)
	require.NoError(t, err)
	require.Equal(t, "content", string(data))
}

func TestCreateCollision(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "a.safetensors")
	require.NoError(t, os.WriteFile(canonical, []byte("content"), 0o644))

	alias := filepath.Join(dir, "b.safetensors")
	require.NoError(t, os.WriteFile(alias, []byte("unrelated"), 0o644))

	_, err := Create(canonical, alias)
	require.ErrorIs(t, err, ErrCollision)
}

func TestCreateYieldsIdenticalBytes(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "a.safetensors")
	want := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(canonical, want, 0o644))

	alias := filepath.Join(dir, "b.safetensors")
	_, err := Create(canonical, alias)
	require.NoError(t, err)

	got, err := os.ReadFile(alias)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
