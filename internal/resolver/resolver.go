// Package resolver is the Dependency Resolver of spec.md §4.7: a pure
// read over the catalog that classifies a workflow's dependency manifest
// into entries that must be downloaded and entries the catalog can
// already satisfy, with or without a filesystem alias.
package resolver

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/comfy-registry/modelregistry/internal/catalog"
	"github.com/comfy-registry/modelregistry/internal/credentials"
	"github.com/comfy-registry/modelregistry/internal/pathpolicy"
)

// Entry is one Dependency Entry of spec.md §3: an input describing a file
// a workflow needs, not itself stored anywhere.
type Entry struct {
	Kind         pathpolicy.Kind
	Filename     string
	SHA256       digest.Digest
	SizeBytes    uint64
	URLs         []string
	DisplayName  string
	Required     bool
	RequiresAuth bool
	AuthProvider credentials.Provider
}

// Manifest is a workflow's full set of dependencies, grouped by kind as
// the check-dependencies request body carries them.
type Manifest map[pathpolicy.Kind][]Entry

// Action names how an Existing entry's bytes are already reachable.
type Action string

const (
	ActionCanonical Action = "canonical"
	ActionSymlink   Action = "symlink"
)

// Missing is an entry the catalog cannot currently satisfy: it must be
// downloaded.
type Missing struct {
	Kind         pathpolicy.Kind
	Filename     string
	SHA256       digest.Digest
	SizeBytes    uint64
	URLs         []string
	RequiresAuth bool
	AuthProvider credentials.Provider
}

// Existing is an entry the catalog can already satisfy.
type Existing struct {
	Kind      pathpolicy.Kind
	Filename  string
	ExistsAt  string
	SHA256    digest.Digest
	SizeBytes uint64
	Action    Action
}

// Report is the resolver's output, matching the POST /models/check-dependencies
// response body of spec.md §6.
type Report struct {
	Missing           []Missing
	Existing          []Existing
	TotalDownloadSize uint64
	TotalSavedSize    uint64
}

// Resolver classifies Manifests against a Catalog (for hash existence) and
// a Policy (to compute each entry's destination path). It never mutates
// either. The filesystem is not consulted: an entry whose hash is absent
// from the catalog is reported missing even if a file already exists at
// its destination path.
type Resolver struct {
	policy  *pathpolicy.Policy
	catalog *catalog.Catalog
}

// New returns a Resolver over policy and cat.
func New(policy *pathpolicy.Policy, cat *catalog.Catalog) *Resolver {
	return &Resolver{policy: policy, catalog: cat}
}

// Resolve classifies every Entry in manifest per spec.md §4.7.
func (r *Resolver) Resolve(ctx context.Context, manifest Manifest) (Report, error) {
	var report Report

	for kind, entries := range manifest {
		for _, entry := range entries {
			entry.Kind = kind

			artifact, found, err := r.catalog.GetByHash(ctx, entry.SHA256)
			if err != nil {
				return Report{}, fmt.Errorf("resolver: %s/%s: %w", kind, entry.Filename, err)
			}

			if !found {
				report.Missing = append(report.Missing, Missing{
					Kind:         kind,
					Filename:     entry.Filename,
					SHA256:       entry.SHA256,
					SizeBytes:    entry.SizeBytes,
					URLs:         entry.URLs,
					RequiresAuth: entry.RequiresAuth,
					AuthProvider: entry.AuthProvider,
				})
				report.TotalDownloadSize += entry.SizeBytes
				continue
			}

			dstAbs, resolveErr := r.policy.Resolve(kind, entry.Filename)
			action := ActionSymlink
			existsAt := artifact.CanonicalPath
			if resolveErr == nil && dstAbs == artifact.CanonicalPath {
				action = ActionCanonical
			}

			report.Existing = append(report.Existing, Existing{
				Kind:      kind,
				Filename:  entry.Filename,
				ExistsAt:  existsAt,
				SHA256:    artifact.Hash,
				SizeBytes: artifact.SizeBytes,
				Action:    action,
			})
			if action == ActionSymlink {
				report.TotalSavedSize += artifact.SizeBytes
			}
		}
	}

	return report, nil
}
