// Package pathpolicy classifies model kinds, maps a kind to its directory
// under the registry's base path, and validates that a filename is a safe,
// single path segment before it is ever handed to the filesystem.
//
// The path layout under base_path is:
//
//	<base>/.registry/catalog.db     catalog store
//	<base>/.cache/tmp/               in-progress download staging
//	<base>/<kind>/                   canonical files and aliases for that kind
package pathpolicy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind is one entry of the closed set of model categories spec.md §3 names.
type Kind string

const (
	Checkpoint     Kind = "checkpoint"
	Lora           Kind = "lora"
	VAE            Kind = "vae"
	ControlNet     Kind = "controlnet"
	Upscale        Kind = "upscale"
	TextEncoder    Kind = "text-encoder"
	DiffusionModel Kind = "diffusion-model"
	ClipVision     Kind = "clip-vision"
	Embedding      Kind = "embedding"
)

// folders maps each Kind to its directory name under base_path. Most kinds
// pluralize trivially; a few (vae, controlnet, clip-vision) keep the singular form
// to match how these model families are named on disk upstream.
var folders = map[Kind]string{
	Checkpoint:     "checkpoints",
	Lora:           "loras",
	VAE:            "vae",
	ControlNet:     "controlnet",
	Upscale:        "upscale_models",
	TextEncoder:    "text_encoders",
	DiffusionModel: "diffusion_models",
	ClipVision:     "clip_vision",
	Embedding:      "embeddings",
}

// allowedExtensions is the closed set from spec.md §4.1. It is the
// resolution of an open question in the source prose (spec.md §9): this is
// the proposed set, still configurable by callers via WithExtensions.
var allowedExtensions = map[string]bool{
	".safetensors": true,
	".ckpt":        true,
	".pt":          true,
	".pth":         true,
	".bin":         true,
	".gguf":        true,
	".onnx":        true,
	".sft":         true,
	".yaml":        true,
}

// Error is returned for any filename or kind that fails validation. It is
// always fatal and non-retriable per spec.md §4.1.
type Error struct {
	Filename string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pathpolicy: invalid name %q: %s", e.Filename, e.Reason)
}

// Policy resolves Kinds to directories under a base path and validates
// filenames against them.
type Policy struct {
	basePath   string
	folders    map[Kind]string
	extensions map[string]bool
}

// New returns a Policy rooted at basePath using the default kind→folder
// table and extension allowlist.
func New(basePath string) *Policy {
	p := &Policy{
		basePath:   filepath.Clean(basePath),
		folders:    make(map[Kind]string, len(folders)),
		extensions: make(map[string]bool, len(allowedExtensions)),
	}
	for k, v := range folders {
		p.folders[k] = v
	}
	for ext := range allowedExtensions {
		p.extensions[ext] = true
	}
	return p
}

// WithExtensions replaces the allowed extension set.
func (p *Policy) WithExtensions(exts []string) *Policy {
	p.extensions = make(map[string]bool, len(exts))
	for _, ext := range exts {
		p.extensions[strings.ToLower(ext)] = true
	}
	return p
}

// BasePath returns the registry's root directory.
func (p *Policy) BasePath() string { return p.basePath }

// CatalogPath returns the absolute path to the catalog database file.
func (p *Policy) CatalogPath() string {
	return filepath.Join(p.basePath, ".registry", "catalog.db")
}

// TempDir returns the absolute path to the in-progress download staging
// directory.
func (p *Policy) TempDir() string {
	return filepath.Join(p.basePath, ".cache", "tmp")
}

// Dir returns the absolute directory for kind, or an error if kind is not
// in the closed set.
func (p *Policy) Dir(kind Kind) (string, error) {
	folder, ok := p.folders[kind]
	if !ok {
		return "", &Error{Filename: string(kind), Reason: "unknown kind"}
	}
	return filepath.Join(p.basePath, folder), nil
}

// Kinds returns every configured Kind, for callers (migration, resolver)
// that need to enumerate all directories.
func (p *Policy) Kinds() []Kind {
	kinds := make([]Kind, 0, len(p.folders))
	for k := range p.folders {
		kinds = append(kinds, k)
	}
	return kinds
}

// Resolve validates filename and returns the absolute path it maps to
// under kind's directory. filename must be a single path segment: no
// separators, no "..", no leading dot, and an allowed extension. The
// resolved path is additionally required to be a descendant of the
// policy's base path under a symlink-aware, canonicalized comparison
// (spec.md §4.1) — a kind directory or an ancestor of it replaced by a
// symlink pointing outside base_path is rejected even though the lexical
// join above never mentions "..".
func (p *Policy) Resolve(kind Kind, filename string) (string, error) {
	if err := p.ValidateFilename(filename); err != nil {
		return "", err
	}

	dir, err := p.Dir(kind)
	if err != nil {
		return "", err
	}

	resolved := filepath.Join(dir, filename)

	rel, err := filepath.Rel(p.basePath, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Filename: filename, Reason: "escapes base path"}
	}

	if err := p.checkCanonicalContainment(resolved); err != nil {
		return "", err
	}

	return resolved, nil
}

// checkCanonicalContainment re-does the containment check from
// Resolve after resolving symlinks, so a symlinked kind directory (or any
// ancestor of it) pointing outside base_path is caught even though it
// never exists yet itself. filename's own path segment is not required to
// exist — only its containing directories are walked and canonicalized;
// a missing directory is not an escape and is left for the caller to
// create.
func (p *Policy) checkCanonicalContainment(resolved string) error {
	canonicalBase, err := canonicalize(p.basePath)
	if err != nil {
		return nil
	}

	dir := filepath.Dir(resolved)
	canonicalDir, err := canonicalize(dir)
	if err != nil {
		return nil
	}

	rel, err := filepath.Rel(canonicalBase, canonicalDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &Error{Filename: filepath.Base(resolved), Reason: "escapes base path via symlink"}
	}
	return nil
}

// canonicalize resolves symlinks in path, walking up to the nearest
// existing ancestor when path itself does not exist yet (a kind directory
// that has never held an artifact), and rejoining the non-existent tail
// unresolved.
func canonicalize(path string) (string, error) {
	clean := filepath.Clean(path)

	if real, err := filepath.EvalSymlinks(clean); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	parent, name := filepath.Split(clean)
	if name == "" || parent == clean {
		return clean, nil
	}

	realParent, err := canonicalize(filepath.Clean(parent))
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, name), nil
}

// ValidateFilename checks filename in isolation, without resolving it
// against any kind directory.
func (p *Policy) ValidateFilename(filename string) error {
	if filename == "" {
		return &Error{Filename: filename, Reason: "empty filename"}
	}
	if filename != filepath.Base(filename) {
		return &Error{Filename: filename, Reason: "must be a single path segment"}
	}
	if filename == "." || filename == ".." {
		return &Error{Filename: filename, Reason: "must not be . or .."}
	}
	if strings.HasPrefix(filename, ".") {
		return &Error{Filename: filename, Reason: "must not start with a dot"}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !p.extensions[ext] {
		return &Error{Filename: filename, Reason: fmt.Sprintf("extension %q is not allowed", ext)}
	}
	return nil
}
