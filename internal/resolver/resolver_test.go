package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfy-registry/modelregistry/internal/catalog"
	"github.com/comfy-registry/modelregistry/internal/pathpolicy"
)

func newTestResolver(t *testing.T) (*Resolver, *pathpolicy.Policy, *catalog.Catalog) {
	t.Helper()
	base := t.TempDir()
	policy := pathpolicy.New(base)
	cat, err := catalog.Open(policy.CatalogPath())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return New(policy, cat), policy, cat
}

func TestResolveMissingEntry(t *testing.T) {
	r, _, _ := newTestResolver(t)

	report, err := r.Resolve(context.Background(), Manifest{
		pathpolicy.Checkpoint: {{
			Filename:  "model.safetensors",
			SHA256:    digest.FromString("content"),
			SizeBytes: 100,
			URLs:      []string{"https://huggingface.co/foo/model.safetensors"},
		}},
	})
	require.NoError(t, err)

	require.Len(t, report.Missing, 1)
	assert.Equal(t, uint64(100), report.TotalDownloadSize)
	assert.Empty(t, report.Existing)
}

func TestResolveCanonicalHit(t *testing.T) {
	r, policy, cat := newTestResolver(t)

	hash := digest.FromString("content")
	dst, err := policy.Resolve(pathpolicy.Checkpoint, "model.safetensors")
	require.NoError(t, err)
	require.NoError(t, cat.InsertArtifact(context.Background(), catalog.Artifact{
		Hash: hash, CanonicalPath: dst, SizeBytes: 100, AddedAt: time.Now(),
	}))

	report, err := r.Resolve(context.Background(), Manifest{
		pathpolicy.Checkpoint: {{Filename: "model.safetensors", SHA256: hash, SizeBytes: 100}},
	})
	require.NoError(t, err)

	require.Len(t, report.Existing, 1)
	assert.Equal(t, ActionCanonical, report.Existing[0].Action)
	assert.Zero(t, report.TotalSavedSize)
}

func TestResolveSymlinkHit(t *testing.T) {
	r, policy, cat := newTestResolver(t)

	hash := digest.FromString("content")
	canonical, err := policy.Resolve(pathpolicy.Checkpoint, "original.safetensors")
	require.NoError(t, err)
	require.NoError(t, cat.InsertArtifact(context.Background(), catalog.Artifact{
		Hash: hash, CanonicalPath: canonical, SizeBytes: 100, AddedAt: time.Now(),
	}))

	report, err := r.Resolve(context.Background(), Manifest{
		pathpolicy.Checkpoint: {{Filename: "renamed.safetensors", SHA256: hash, SizeBytes: 100}},
	})
	require.NoError(t, err)

	require.Len(t, report.Existing, 1)
	assert.Equal(t, ActionSymlink, report.Existing[0].Action)
	assert.Equal(t, uint64(100), report.TotalSavedSize)
}

func TestResolveMixedManifest(t *testing.T) {
	r, policy, cat := newTestResolver(t)

	hash := digest.FromString("known")
	dst, err := policy.Resolve(pathpolicy.Lora, "known.safetensors")
	require.NoError(t, err)
	require.NoError(t, cat.InsertArtifact(context.Background(), catalog.Artifact{
		Hash: hash, CanonicalPath: dst, SizeBytes: 50, AddedAt: time.Now(),
	}))

	report, err := r.Resolve(context.Background(), Manifest{
		pathpolicy.Lora: {
			{Filename: "known.safetensors", SHA256: hash, SizeBytes: 50},
			{Filename: "unknown.safetensors", SHA256: digest.FromString("unknown"), SizeBytes: 200},
		},
	})
	require.NoError(t, err)

	assert.Len(t, report.Existing, 1)
	assert.Len(t, report.Missing, 1)
	assert.Equal(t, uint64(200), report.TotalDownloadSize)
}
