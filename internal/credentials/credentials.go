// Package credentials brokers ephemeral, per-request authentication
// tokens. Tokens never touch disk or logs: the broker holds them only in
// a mutex-protected in-memory map, attaches provider-specific auth to
// outbound requests on request, and removes an entry when its request
// completes or its lifetime ceiling expires — whichever is first. Modeled on the Hugging Face downloader's addAuth bearer-header
// idiom, generalized to the registry's two providers.
package credentials

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Provider is the closed set of auth providers spec.md §3 names.
type Provider string

const (
	HuggingFace Provider = "huggingface"
	Civitai     Provider = "civitai"
)

// ttl is the hard ceiling on a credential's lifetime regardless of
// activity, per spec.md §5.
const ttl = time.Hour

type entry struct {
	token     string
	expiresAt time.Time
}

type key struct {
	requestID string
	provider  Provider
}

// Broker holds ephemeral credentials keyed by (request_id, provider).
// It exposes no read API beyond "attach to this outbound request" —
// callers cannot retrieve a token back out.
type Broker struct {
	mu      sync.Mutex
	entries map[key]entry
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{entries: make(map[key]entry)}
}

// Put stores token for (requestID, provider), replacing any existing entry.
// An empty token is a no-op: requests with no credential never pass through
// the map.
func (b *Broker) Put(requestID string, provider Provider, token string) {
	if token == "" {
		return
	}
	k := key{requestID, provider}
	e := entry{token: token, expiresAt: time.Now().Add(ttl)}
	b.mu.Lock()
	b.entries[k] = e
	b.mu.Unlock()

	time.AfterFunc(ttl, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.entries[k]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(b.entries, k)
		}
	})
}

// Attach adds provider-specific authentication to req, using the token
// stored for (requestID, provider) if one is present and unexpired. It is
// a no-op if no credential was ever supplied for this request/provider
// pair — public, unauthenticated sources need never call Put.
func (b *Broker) Attach(req *http.Request, requestID string, provider Provider) error {
	token, ok := b.peek(requestID, provider)
	if !ok {
		return nil
	}

	switch provider {
	case HuggingFace:
		req.Header.Set("Authorization", "Bearer "+token)
	case Civitai:
		q := req.URL.Query()
		q.Set("token", token)
		req.URL.RawQuery = q.Encode()
	default:
		return fmt.Errorf("credentials: unknown provider %q", provider)
	}
	return nil
}

func (b *Broker) peek(requestID string, provider Provider) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key{requestID, provider}]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.token, true
}

// Scrub zeroes and removes every credential held for requestID, across all
// providers. Callers MUST call this when a request completes, regardless
// of outcome, per spec.md §4.6 step 12.
func (b *Broker) Scrub(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, e := range b.entries {
		if k.requestID == requestID {
			e.token = ""
			delete(b.entries, k)
		}
	}
}

// HasToken reports whether an unexpired credential is currently held for
// requestID/provider, without revealing its value. Log sinks
// must use this — never the token itself — when recording that a
// download used a credential.
func (b *Broker) HasToken(requestID string, provider Provider) bool {
	_, ok := b.peek(requestID, provider)
	return ok
}
