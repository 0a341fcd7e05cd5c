// Package downloader is the Download Engine of spec.md §4.6: it admits a
// source URL, resolves a destination, short-circuits on an existing
// catalog hit, coalesces concurrent requests for the same content, streams
// the remote body to a temp file while hashing it, verifies size and
// digest, and atomically publishes the result into the catalog.
//
// The streaming/hash/verify/publish sequence is modeled directly on the
// teacher's blobWriter: Write/ReadFrom tee bytes into a running digest
// while writing to disk, validateBlob compares the computed digest against
// what the caller expected, and moveBlob renames into a content-addressed
// final location only once verification succeeds.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/comfy-registry/modelregistry/dcontext"
	"github.com/comfy-registry/modelregistry/internal/aliaser"
	"github.com/comfy-registry/modelregistry/internal/catalog"
	"github.com/comfy-registry/modelregistry/internal/coalesce"
	"github.com/comfy-registry/modelregistry/internal/credentials"
	"github.com/comfy-registry/modelregistry/internal/errcode"
	"github.com/comfy-registry/modelregistry/internal/pathpolicy"
	"github.com/comfy-registry/modelregistry/internal/urladmission"
	"github.com/comfy-registry/modelregistry/internal/uuid"
)

// Request is one download invocation, matching the POST /models/download
// body of spec.md §6.
type Request struct {
	RequestID      string
	URL            string
	Kind           pathpolicy.Kind
	Filename       string
	ExpectedSHA256 digest.Digest // optional; "" if unknown
	ExpectedSize   uint64        // optional; 0 if unknown
	DisplayName    string
	Provider       credentials.Provider // optional
	Token          string               // optional, ephemeral
}

// Event is one line of the NDJSON progress stream of spec.md §4.6: at most
// one of Message+Path+SHA256 (terminal success or alias created), Error
// (terminal failure), Message+TotalBytes (initial), or
// Progress/Bytes/TotalBytes (incremental) is populated per event.
type Event struct {
	Message    string  `json:"message,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	Bytes      uint64  `json:"bytes,omitempty"`
	TotalBytes uint64  `json:"total_bytes,omitempty"`
	Path       string  `json:"path,omitempty"`
	SHA256     string  `json:"sha256,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// progress emission cadence: every 1% of a known total, or every 8MiB if
// the total is unknown, matching the percentage-driven cadence the
// Hugging Face downloader uses for its console progress bar.
const (
	progressPercentStep = 0.01
	progressByteStep    = 8 << 20
)

var errIdleTimeout = errors.New("downloader: network read stalled past the idle timeout")

// isConnReset reports whether err looks like a connection reset by the
// peer, the one transient failure spec.md §7 says is worth one same-URL
// retry.
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF)
}

// HTTPDoer is the subset of *http.Client the engine needs, so tests can
// substitute a stub transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Engine is the Download Engine. It is safe for concurrent use.
type Engine struct {
	policy      *pathpolicy.Policy
	catalog     *catalog.Catalog
	admitter    *urladmission.Admitter
	broker      *credentials.Broker
	client      HTTPDoer
	idleTimeout time.Duration
	pending     *coalesce.Registry[string, Event]
}

// New returns an Engine wired to its collaborators.
func New(policy *pathpolicy.Policy, cat *catalog.Catalog, admitter *urladmission.Admitter, broker *credentials.Broker, client HTTPDoer, idleTimeout time.Duration) *Engine {
	return &Engine{
		policy:      policy,
		catalog:     cat,
		admitter:    admitter,
		broker:      broker,
		client:      client,
		idleTimeout: idleTimeout,
		pending:     coalesce.NewRegistry[string, Event](),
	}
}

// Download validates req synchronously — URL admission and path policy,
// the two checks spec.md §7 surfaces as a plain HTTP 400 rather than an
// in-stream error event — and, if both pass, starts the state machine of
// spec.md §4.6 and returns a channel of progress events. The channel is
// closed after the terminal event (success or error) is sent, or, for a
// caller relaying a coalesced fetch, as soon as ctx is cancelled. When this
// caller starts the fetch, ctx governs its outbound request: cancelling it
// aborts the fetch, and every caller joined to it receives the resulting
// error event. Cancelling the ctx of a caller that joined an in-flight fetch
// only stops its relaying; it is not unsubscribed from the fetch's group and
// the fetch is not cancelled.
func (e *Engine) Download(ctx context.Context, req Request) (<-chan Event, error) {
	if _, err := e.admitter.Admit(req.URL); err != nil {
		return nil, errcode.New(errcode.UrlForbidden, err.Error(), err)
	}
	dstAbs, err := e.policy.Resolve(req.Kind, req.Filename)
	if err != nil {
		return nil, errcode.New(errcode.InvalidName, err.Error(), err)
	}

	if req.Token != "" && req.Provider != "" {
		e.broker.Put(req.RequestID, req.Provider, req.Token)
	}

	out := make(chan Event, 8)
	go e.run(ctx, req, dstAbs, out)
	return out, nil
}

func (e *Engine) run(ctx context.Context, req Request, dstAbs string, out chan<- Event) {
	defer close(out)
	defer e.broker.Scrub(req.RequestID)

	log := dcontext.GetLogger(ctx).WithFields(logrus.Fields{
		"download.id": req.RequestID,
		"kind":        req.Kind,
		"filename":    req.Filename,
		"has_token":   req.Token != "",
	})

	// Pre-check by hash (spec.md §4.6 step 3).
	if req.ExpectedSHA256 != "" {
		if artifact, ok, err := e.catalog.GetByHash(ctx, req.ExpectedSHA256); err != nil {
			out <- Event{Error: err.Error()}
			return
		} else if ok {
			if handled := e.shortCircuit(ctx, artifact, dstAbs, out); handled {
				return
			}
		}
	}

	// Pre-check by destination path (spec.md §4.6 step 4): already
	// cataloged at this exact path, or an uncataloged file already sitting
	// there (e.g. placed outside the registry) that can be ingested as-is.
	if artifact, isCanonical, found, err := e.catalog.GetByPath(ctx, dstAbs); err != nil {
		out <- Event{Error: err.Error()}
		return
	} else if found && isCanonical {
		out <- Event{Message: "Download complete", Path: artifact.CanonicalPath, SHA256: artifact.Hash.Encoded()}
		return
	} else if !found {
		if hash, sizeBytes, ok := statAndHashIfPresent(dstAbs, req.ExpectedSHA256); ok {
			if err := e.catalog.InsertArtifact(ctx, catalog.Artifact{
				Hash: hash, CanonicalPath: dstAbs, SizeBytes: sizeBytes,
				SourceURL: urladmission.Strip(req.URL), AddedAt: time.Now(),
			}); err != nil {
				out <- Event{Error: err.Error()}
				return
			}
			out <- Event{Message: "Download complete", Path: dstAbs, SHA256: hash.Encoded()}
			return
		}
	}

	coalesceKey := coalesceKeyFor(req, dstAbs)
	if sub, owner := e.pending.Join(coalesceKey); !owner {
		log.Debug("joining in-flight download")
		e.relay(ctx, sub, dstAbs, out)
		return
	}

	e.fetch(ctx, req, dstAbs, coalesceKey, out)
}

func coalesceKeyFor(req Request, dstAbs string) string {
	if req.ExpectedSHA256 != "" {
		return string(req.ExpectedSHA256)
	}
	return "path:" + dstAbs
}

// shortCircuit implements spec.md §4.6 step 3's two branches: the artifact
// is already canonically at dstAbs, or it lives elsewhere and needs an
// alias. It returns true if it fully handled the request (terminal event
// emitted); false tells the caller to fall through to a fresh download,
// which happens only when the catalog row's file has gone missing from
// disk.
func (e *Engine) shortCircuit(ctx context.Context, artifact catalog.Artifact, dstAbs string, out chan<- Event) bool {
	if _, err := os.Stat(artifact.CanonicalPath); err != nil {
		return false
	}

	if dstAbs == artifact.CanonicalPath {
		out <- Event{Message: "Download complete", Path: artifact.CanonicalPath, SHA256: artifact.Hash.Encoded()}
		return true
	}

	strategy, err := aliaser.Create(artifact.CanonicalPath, dstAbs)
	if err != nil {
		if errors.Is(err, aliaser.ErrCollision) {
			out <- Event{Error: errcode.New(errcode.AliasCollision, err.Error(), err).Error()}
		} else {
			out <- Event{Error: err.Error()}
		}
		return true
	}

	if err := e.catalog.InsertAlias(ctx, catalog.Alias{Hash: artifact.Hash, AliasPath: dstAbs, CreatedAt: time.Now()}); err != nil {
		out <- Event{Error: err.Error()}
		return true
	}
	out <- Event{Message: fmt.Sprintf("Alias created (%s)", strategy), Path: dstAbs, SHA256: artifact.Hash.Encoded()}
	return true
}

// relay drains a coalesced subscription, forwarding every event to out. If
// the owning fetch's final path differs from this caller's destination
// (two callers asked for the same content under different filenames), it
// materializes an alias and sends an "Alias created" event in place of the
// terminal event (the terminal event is relayed unchanged if the alias
// cannot be created), per
// spec.md §5's "second caller may additionally need an alias
// materialization step."
func (e *Engine) relay(ctx context.Context, sub <-chan Event, dstAbs string, out chan<- Event) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Path != "" && ev.Error == "" && ev.Path != dstAbs {
				if strategy, err := aliaser.Create(ev.Path, dstAbs); err == nil {
					_ = e.catalog.InsertAlias(ctx, catalog.Alias{
						Hash: digest.NewDigestFromHex("sha256", ev.SHA256), AliasPath: dstAbs, CreatedAt: time.Now(),
					})
					out <- Event{Message: fmt.Sprintf("Alias created (%s)", strategy), Path: dstAbs, SHA256: ev.SHA256}
					continue
				}
			}
			out <- ev
		case <-ctx.Done():
			return
		}
	}
}

// fetch owns the in-flight HTTP download: open request → stream to temp
// file while hashing → verify → atomic publish. Every event is published
// to both out and the coalesce Group so concurrent joiners see an
// identical stream, per spec.md §5's ordering guarantee.
func (e *Engine) fetch(ctx context.Context, req Request, dstAbs, coalesceKey string, out chan<- Event) {
	emit := func(ev Event) {
		out <- ev
		e.pending.Publish(coalesceKey, ev)
	}
	finish := func(ev Event) {
		out <- ev
		e.pending.Finish(coalesceKey, ev)
	}

	tmpPath, cleanup, err := e.openTemp()
	if err != nil {
		finish(Event{Error: err.Error()})
		return
	}
	defer cleanup()

	buildRequest := func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
		if err != nil {
			return nil, err
		}
		if req.Provider != "" {
			if err := e.broker.Attach(httpReq, req.RequestID, req.Provider); err != nil {
				return nil, err
			}
		}
		return httpReq, nil
	}

	httpReq, err := buildRequest()
	if err != nil {
		finish(Event{Error: err.Error()})
		return
	}

	resp, err := e.doWithRedirectGuard(httpReq)
	if err != nil && isConnReset(err) {
		// A connection reset before any byte was written is the one
		// recoverable case spec.md §7 calls out for a same-URL retry.
		if retryReq, rerr := buildRequest(); rerr == nil {
			resp, err = e.doWithRedirectGuard(retryReq)
		}
	}
	if err != nil {
		finish(Event{Error: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		finish(Event{Error: errcode.New(errcode.Unauthorized, fmt.Sprintf("status %d", resp.StatusCode), nil).Error()})
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		finish(Event{Error: fmt.Sprintf("unexpected status %d fetching %s", resp.StatusCode, req.URL)})
		return
	}

	totalBytes := req.ExpectedSize
	if totalBytes == 0 && resp.ContentLength > 0 {
		totalBytes = uint64(resp.ContentLength)
	}
	emit(Event{Message: fmt.Sprintf("Downloading %s", req.Filename), TotalBytes: totalBytes})

	written, sumHex, err := e.streamWithHash(resp.Body, tmpPath, totalBytes, emit)
	if err != nil {
		if errors.Is(err, errIdleTimeout) {
			finish(Event{Error: errcode.New(errcode.NetworkTimeout, err.Error(), err).Error()})
		} else {
			finish(Event{Error: err.Error()})
		}
		return
	}

	if req.ExpectedSize != 0 && written != req.ExpectedSize {
		finish(Event{Error: errcode.New(errcode.SizeMismatch, fmt.Sprintf("got %d bytes, expected %d", written, req.ExpectedSize), nil).Error()})
		return
	}
	sumDigest := digest.NewDigestFromHex("sha256", sumHex)
	if req.ExpectedSHA256 != "" && sumDigest != req.ExpectedSHA256 {
		finish(Event{Error: errcode.New(errcode.HashMismatch, fmt.Sprintf("got %s, expected %s", sumDigest, req.ExpectedSHA256), nil).Error()})
		return
	}

	if err := publish(tmpPath, dstAbs); err != nil {
		finish(Event{Error: err.Error()})
		return
	}

	if err := e.catalog.InsertArtifact(ctx, catalog.Artifact{
		Hash:          sumDigest,
		CanonicalPath: dstAbs,
		SizeBytes:     written,
		SourceURL:     urladmission.Strip(req.URL),
		Metadata:      req.DisplayName,
		AddedAt:       time.Now(),
	}); err != nil {
		finish(Event{Error: err.Error()})
		return
	}

	finish(Event{Message: "Download complete", Path: dstAbs, SHA256: sumDigest.Encoded()})
}

// doWithRedirectGuard follows redirects, re-validating each target against
// URL admission per spec.md §4.6 step 6: a redirect outside the allowlist
// is rejected rather than silently followed.
func (e *Engine) doWithRedirectGuard(req *http.Request) (*http.Response, error) {
	client, ok := e.client.(*http.Client)
	if !ok {
		return e.client.Do(req)
	}

	guarded := *client
	guarded.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if _, err := e.admitter.Admit(r.URL.String()); err != nil {
			return err
		}
		if len(via) >= 10 {
			return errors.New("downloader: too many redirects")
		}
		return nil
	}
	return guarded.Do(req)
}

// streamWithHash copies src into dstPath while maintaining a running
// SHA-256 and byte counter, emitting progress events at the cadence of
// spec.md §4.6 step 8. Modeled on blobWriter.ReadFrom's TeeReader-based
// write-then-digest ordering.
func (e *Engine) streamWithHash(src io.Reader, dstPath string, totalBytes uint64, emit func(Event)) (written uint64, sumHex string, err error) {
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("downloader: opening temp file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	tee := io.TeeReader(src, h)

	buf := make([]byte, 1<<20)
	lastEmittedPercent := -1.0
	var lastEmittedBytes uint64

	idleTimer := time.NewTimer(e.idleTimeout)
	defer idleTimer.Stop()
	timedOut := make(chan struct{})
	go func() {
		<-idleTimer.C
		close(timedOut)
	}()

	for {
		n, rerr := tee.Read(buf)
		if n > 0 {
			idleTimer.Reset(e.idleTimeout)
			if _, werr := f.Write(buf[:n]); werr != nil {
				if errors.Is(werr, syscall.ENOSPC) {
					return 0, "", errcode.New(errcode.DiskFull, werr.Error(), werr)
				}
				return 0, "", fmt.Errorf("downloader: writing temp file: %w", werr)
			}
			written += uint64(n)

			if totalBytes > 0 {
				pct := float64(written) / float64(totalBytes)
				if pct-lastEmittedPercent >= progressPercentStep || written == totalBytes {
					emit(Event{Progress: pct, Bytes: written, TotalBytes: totalBytes})
					lastEmittedPercent = pct
				}
			} else if written-lastEmittedBytes >= progressByteStep {
				emit(Event{Bytes: written, TotalBytes: totalBytes})
				lastEmittedBytes = written
			}
		}

		select {
		case <-timedOut:
			return 0, "", errIdleTimeout
		default:
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, "", fmt.Errorf("downloader: reading response body: %w", rerr)
		}
	}

	return written, hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Engine) openTemp() (path string, cleanup func(), err error) {
	tempDir := e.policy.TempDir()
	if err := os.MkdirAll(tempDir, 0o777); err != nil {
		return "", nil, fmt.Errorf("downloader: creating temp dir: %w", err)
	}
	path = filepath.Join(tempDir, uuid.NewString()+".part")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("downloader: creating temp file: %w", err)
	}
	f.Close()

	return path, func() { os.Remove(path) }, nil
}

// publish atomically renames tmpPath onto dstAbs, matching the teacher's
// filesystem driver's temp-then-rename discipline. If dstAbs's parent
// directory does not yet exist (first artifact of its kind), it is
// created first.
//
// tmpPath lives under policy.TempDir() (<base>/.cache/tmp; the config's
// download.temp_dir value is not read by the engine), and that directory
// can still be a separate mount from dstAbs's kind directory, so the two are
// not guaranteed to share a filesystem. When Rename fails with EXDEV, fall back to copying the bytes
// onto the destination filesystem via an adjacent .part1 file and renaming
// that into place instead, per spec.md §4.6 step 10 — the same
// copy-then-rename fallback internal/aliaser.Create uses when a hardlink
// fails cross-device.
func publish(tmpPath, dstAbs string) error {
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o777); err != nil {
		return fmt.Errorf("downloader: creating destination directory: %w", err)
	}
	if err := os.Rename(tmpPath, dstAbs); err == nil {
		return nil
	} else if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("downloader: publishing %s: %w", dstAbs, err)
	}

	adjacent := dstAbs + ".part1"
	if err := copyFile(tmpPath, adjacent); err != nil {
		return fmt.Errorf("downloader: cross-device copy to %s: %w", adjacent, err)
	}
	if err := os.Rename(adjacent, dstAbs); err != nil {
		os.Remove(adjacent)
		return fmt.Errorf("downloader: publishing %s: %w", dstAbs, err)
	}
	return nil
}

// copyFile copies src's bytes onto dst, truncating any partial .partN file
// left by a previous cross-device publish attempt.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// statAndHashIfPresent hashes an existing file at dstAbs, for the
// ingest-on-sight branch of spec.md §4.6 step 4. It returns ok=false if
// the file is absent, or if expected is supplied and does not match.
func statAndHashIfPresent(dstAbs string, expected digest.Digest) (digest.Digest, uint64, bool) {
	f, err := os.Open(dstAbs)
	if err != nil {
		return "", 0, false
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, false
	}
	sum := digest.NewDigestFromHex("sha256", hex.EncodeToString(h.Sum(nil)))
	if expected != "" && sum != expected {
		return "", 0, false
	}
	return sum, uint64(size), true
}
