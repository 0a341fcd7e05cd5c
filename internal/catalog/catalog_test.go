package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInsertArtifactIdempotent(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	hash := digest.FromString("hello")
	a := Artifact{Hash: hash, CanonicalPath: "/base/checkpoints/a.safetensors", SizeBytes: 5, AddedAt: time.Now()}

	require.NoError(t, c.InsertArtifact(ctx, a))
	require.NoError(t, c.InsertArtifact(ctx, a)) // no-op, same hash

	got, ok, err := c.GetByHash(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.CanonicalPath, got.CanonicalPath)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ArtifactCount)
}

func TestGetByPathCanonicalVsAlias(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	hash := digest.FromString("world")
	require.NoError(t, c.InsertArtifact(ctx, Artifact{
		Hash: hash, CanonicalPath: "/base/checkpoints/a.safetensors", SizeBytes: 5, AddedAt: time.Now(),
	}))
	require.NoError(t, c.InsertAlias(ctx, Alias{
		Hash: hash, AliasPath: "/base/checkpoints/b.safetensors", CreatedAt: time.Now(),
	}))

	_, isCanonical, found, err := c.GetByPath(ctx, "/base/checkpoints/a.safetensors")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, isCanonical)

	_, isCanonical, found, err = c.GetByPath(ctx, "/base/checkpoints/b.safetensors")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, isCanonical)

	_, _, found, err = c.GetByPath(ctx, "/base/checkpoints/missing.safetensors")
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertAliasIdempotentAndListed(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	hash := digest.FromString("dedup")
	require.NoError(t, c.InsertArtifact(ctx, Artifact{
		Hash: hash, CanonicalPath: "/base/loras/a.safetensors", SizeBytes: 1, AddedAt: time.Now(),
	}))

	al := Alias{Hash: hash, AliasPath: "/base/loras/b.safetensors", CreatedAt: time.Now()}
	require.NoError(t, c.InsertAlias(ctx, al))
	require.NoError(t, c.InsertAlias(ctx, al))

	aliases, err := c.ListAliasesFor(ctx, hash)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
}

func TestListArtifacts(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.InsertArtifact(ctx, Artifact{
			Hash:          digest.FromString(string(rune('a' + i))),
			CanonicalPath: filepath.Join("/base/checkpoints", string(rune('a'+i))+".safetensors"),
			SizeBytes:     uint64(i + 1),
			AddedAt:       time.Now(),
		}))
	}

	artifacts, err := c.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
}
