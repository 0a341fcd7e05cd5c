package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfy-registry/modelregistry/internal/catalog"
	"github.com/comfy-registry/modelregistry/internal/pathpolicy"
)

func newTestMigrator(t *testing.T) (*Migrator, *pathpolicy.Policy, *catalog.Catalog) {
	t.Helper()
	base := t.TempDir()
	policy := pathpolicy.New(base)
	cat, err := catalog.Open(policy.CatalogPath())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return New(policy, cat), policy, cat
}

func writeModelFile(t *testing.T, policy *pathpolicy.Policy, kind pathpolicy.Kind, filename, contents string) string {
	t.Helper()
	dir, err := policy.Dir(kind)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o777))
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestMigrateIngestsNewFiles(t *testing.T) {
	m, policy, cat := newTestMigrator(t)
	writeModelFile(t, policy, pathpolicy.Checkpoint, "a.safetensors", "alpha")
	writeModelFile(t, policy, pathpolicy.Checkpoint, "b.safetensors", "beta")

	summary, err := m.Run(context.Background(), Options{Kinds: []pathpolicy.Kind{pathpolicy.Checkpoint}})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.NewArtifacts)
	assert.Equal(t, 0, summary.NewAliases)

	artifacts, err := cat.ListArtifacts(context.Background())
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestMigrateDetectsDuplicateAsAlias(t *testing.T) {
	m, policy, cat := newTestMigrator(t)
	writeModelFile(t, policy, pathpolicy.Lora, "first.safetensors", "identical-bytes")
	writeModelFile(t, policy, pathpolicy.Lora, "second.safetensors", "identical-bytes")

	summary, err := m.Run(context.Background(), Options{Kinds: []pathpolicy.Kind{pathpolicy.Lora}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewArtifacts)
	assert.Equal(t, 1, summary.NewAliases)

	artifacts, err := cat.ListArtifacts(context.Background())
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	aliases, err := cat.ListAliasesFor(context.Background(), artifacts[0].Hash)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
}

func TestMigrateDryRunWritesNothing(t *testing.T) {
	m, policy, cat := newTestMigrator(t)
	writeModelFile(t, policy, pathpolicy.VAE, "v.safetensors", "vae-bytes")

	summary, err := m.Run(context.Background(), Options{Kinds: []pathpolicy.Kind{pathpolicy.VAE}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewArtifacts)
	assert.True(t, summary.DryRun)

	artifacts, err := cat.ListArtifacts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestMigrateSkipsAlreadyCataloged(t *testing.T) {
	m, policy, cat := newTestMigrator(t)
	path := writeModelFile(t, policy, pathpolicy.Upscale, "u.safetensors", "upscale-bytes")

	_, err := m.Run(context.Background(), Options{Kinds: []pathpolicy.Kind{pathpolicy.Upscale}})
	require.NoError(t, err)

	summary, err := m.Run(context.Background(), Options{Kinds: []pathpolicy.Kind{pathpolicy.Upscale}})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.NewArtifacts)

	artifacts, err := cat.ListArtifacts(context.Background())
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, path, artifacts[0].CanonicalPath)
}

func TestMigrateSkipsDisallowedExtensions(t *testing.T) {
	m, policy, cat := newTestMigrator(t)
	dir, err := policy.Dir(pathpolicy.Embedding)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not a model"), 0o644))

	summary, err := m.Run(context.Background(), Options{Kinds: []pathpolicy.Kind{pathpolicy.Embedding}})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.NewArtifacts)

	artifacts, err := cat.ListArtifacts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestMigrateMissingKindDirectoryIsNotAnError(t *testing.T) {
	m, _, _ := newTestMigrator(t)
	summary, err := m.Run(context.Background(), Options{Kinds: []pathpolicy.Kind{pathpolicy.ControlNet}})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.NewArtifacts)
	assert.Empty(t, summary.Errors)
}
