// Package urladmission whitelists source hosts and strips credential query
// parameters from any URL the registry persists, per spec.md §4.4.
package urladmission

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ErrForbidden is returned when a URL's host does not clear the allowlist.
// It is non-retriable per spec.md §7.
type ErrForbidden struct {
	Host string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("urladmission: host %q is not on the allowlist", e.Host)
}

// credentialParams are query parameter names known to carry secrets.
// Matching is case-insensitive.
var credentialParams = map[string]bool{
	"token":        true,
	"api_key":      true,
	"key":          true,
	"access_token": true,
}

// Admitter holds a configured set of allowed host suffixes. It is safe for
// concurrent use, including concurrent calls to SetAllowedHosts, so a
// running server can have its allowlist hot-reloaded without restarting.
type Admitter struct {
	mu           sync.RWMutex
	allowedHosts []string
}

// New returns an Admitter whose allowlist is allowedHosts, matched as
// hostname suffixes (so "huggingface.co" also admits
// "cdn-lfs.huggingface.co").
func New(allowedHosts []string) *Admitter {
	a := &Admitter{}
	a.SetAllowedHosts(allowedHosts)
	return a
}

// SetAllowedHosts replaces the allowlist in place. Callers holding a
// pointer to an existing Admitter see the update on their next Admit call.
func (a *Admitter) SetAllowedHosts(allowedHosts []string) {
	normalized := make([]string, len(allowedHosts))
	for i, h := range allowedHosts {
		normalized[i] = strings.ToLower(h)
	}

	a.mu.Lock()
	a.allowedHosts = normalized
	a.mu.Unlock()
}

// Admit parses rawURL and returns it unchanged if the host clears the
// allowlist, or an *ErrForbidden otherwise. Use Strip to obtain the
// credential-free form suitable for persistence.
func (a *Admitter) Admit(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("urladmission: parsing %q: %w", rawURL, err)
	}
	if !a.hostAllowed(u.Hostname()) {
		return nil, &ErrForbidden{Host: u.Hostname()}
	}
	return u, nil
}

func (a *Admitter) hostAllowed(host string) bool {
	host = strings.ToLower(host)

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, allowed := range a.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// Strip returns rawURL with any known credential query parameter removed,
// for safe persistence as an Artifact's source_url (spec.md §3's global
// invariant). The original, unstripped URL must still be used for the
// actual fetch.
func Strip(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	q := u.Query()
	changed := false
	for name := range q {
		if credentialParams[strings.ToLower(name)] {
			q.Del(name)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
