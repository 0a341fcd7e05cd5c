// Package migrate is the Migration Pass of spec.md §4.8: a one-shot walk
// over a model tree that already exists on disk, computing each file's
// SHA-256 and populating the catalog, detecting same-hash duplicates as
// aliases of the first-seen canonical file rather than moving bytes.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/comfy-registry/modelregistry/dcontext"
	"github.com/comfy-registry/modelregistry/internal/catalog"
	"github.com/comfy-registry/modelregistry/internal/pathpolicy"
)

// Summary is the structured report spec.md §4.8 requires: counts of new
// artifacts, new aliases, bytes hashed, and any per-file errors
// encountered along the way (a bad file does not abort the whole pass).
type Summary struct {
	NewArtifacts int
	NewAliases   int
	BytesHashed  uint64
	Errors       []FileError
	DryRun       bool
}

// FileError records one file the pass could not process.
type FileError struct {
	Path string
	Err  error
}

func (fe FileError) Error() string { return fmt.Sprintf("%s: %v", fe.Path, fe.Err) }

// Options configures one Run.
type Options struct {
	// Kinds restricts the walk to these kinds; empty means every kind the
	// Policy knows about.
	Kinds []pathpolicy.Kind
	// DryRun reports planned changes without writing to the catalog.
	DryRun bool
}

// Migrator walks a Policy's kind directories and ingests files into a
// Catalog.
type Migrator struct {
	policy  *pathpolicy.Policy
	catalog *catalog.Catalog
}

// New returns a Migrator over policy and cat.
func New(policy *pathpolicy.Policy, cat *catalog.Catalog) *Migrator {
	return &Migrator{policy: policy, catalog: cat}
}

// Run performs one migration pass per opts.
func (m *Migrator) Run(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{DryRun: opts.DryRun}

	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = m.policy.Kinds()
	}

	// canonicalByHash tracks, within this single pass, which path we have
	// already decided is canonical for a given hash — so the second file
	// on disk with the same bytes becomes an alias of the first, not of
	// whatever InsertArtifact's ON CONFLICT happened to keep.
	canonicalByHash := map[digest.Digest]string{}

	for _, kind := range kinds {
		dir, err := m.policy.Dir(kind)
		if err != nil {
			summary.Errors = append(summary.Errors, FileError{Path: string(kind), Err: err})
			continue
		}

		if err := m.walkKind(ctx, kind, dir, canonicalByHash, &summary); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

func (m *Migrator) walkKind(ctx context.Context, kind pathpolicy.Kind, dir string, canonicalByHash map[digest.Digest]string, summary *Summary) error {
	log := dcontext.GetLogger(ctx).WithField("kind", kind)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil // kind directory not yet created is not an error
			}
			summary.Errors = append(summary.Errors, FileError{Path: path, Err: walkErr})
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if err := m.policy.ValidateFilename(d.Name()); err != nil {
			return nil // skip files outside the allowed extension set
		}

		if err := m.ingest(ctx, kind, path, canonicalByHash, summary); err != nil {
			log.WithError(err).WithField("path", path).Warn("migration: failed to ingest file")
			summary.Errors = append(summary.Errors, FileError{Path: path, Err: err})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate: walking %s: %w", dir, err)
	}
	return nil
}

func (m *Migrator) ingest(ctx context.Context, kind pathpolicy.Kind, path string, canonicalByHash map[digest.Digest]string, summary *Summary) error {
	if _, _, found, err := m.catalog.GetByPath(ctx, path); err != nil {
		return err
	} else if found {
		return nil // already cataloged from a prior pass
	}

	hash, size, err := hashFile(path)
	if err != nil {
		return err
	}
	summary.BytesHashed += size

	if canonical, seenThisPass := canonicalByHash[hash]; seenThisPass {
		return m.recordAlias(ctx, hash, canonical, path, summary)
	}

	if artifact, found, err := m.catalog.GetByHash(ctx, hash); err != nil {
		return err
	} else if found {
		return m.recordAlias(ctx, hash, artifact.CanonicalPath, path, summary)
	}

	canonicalByHash[hash] = path
	summary.NewArtifacts++
	if summary.DryRun {
		return nil
	}
	return m.catalog.InsertArtifact(ctx, catalog.Artifact{
		Hash:          hash,
		CanonicalPath: path,
		SizeBytes:     size,
		AddedAt:       time.Now(),
	})
}

func (m *Migrator) recordAlias(ctx context.Context, hash digest.Digest, canonical, aliasPath string, summary *Summary) error {
	if canonical == aliasPath {
		return nil
	}
	summary.NewAliases++
	if summary.DryRun {
		return nil
	}
	return m.catalog.InsertAlias(ctx, catalog.Alias{Hash: hash, AliasPath: aliasPath, CreatedAt: time.Now()})
}

func hashFile(path string) (digest.Digest, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return digest.NewDigestFromHex("sha256", hex.EncodeToString(h.Sum(nil))), uint64(size), nil
}

// String renders a Summary as a single human-readable line, for the CLI's
// final report.
func (s Summary) String() string {
	mode := "applied"
	if s.DryRun {
		mode = "dry-run"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "migrate (%s): %d new artifact(s), %d new alias(es), %d byte(s) hashed",
		mode, s.NewArtifacts, s.NewAliases, s.BytesHashed)
	if len(s.Errors) > 0 {
		fmt.Fprintf(&b, ", %d error(s)", len(s.Errors))
	}
	return b.String()
}
