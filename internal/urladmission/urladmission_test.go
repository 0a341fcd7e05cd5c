package urladmission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultAdmitter() *Admitter {
	return New([]string{"huggingface.co", "civitai.com", "127.0.0.1", "localhost"})
}

func TestAdmitAllowsKnownHosts(t *testing.T) {
	a := defaultAdmitter()
	for _, u := range []string{
		"https://huggingface.co/foo/model.safetensors",
		"https://cdn-lfs.huggingface.co/foo",
		"https://civitai.com/api/download/1",
		"http://localhost:8080/x",
	} {
		_, err := a.Admit(u)
		assert.NoErrorf(t, err, "expected %q to be admitted", u)
	}
}

func TestAdmitRejectsUnknownHost(t *testing.T) {
	a := defaultAdmitter()
	_, err := a.Admit("https://evil.example/x.safetensors")
	require.Error(t, err)

	var forbidden *ErrForbidden
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, "evil.example", forbidden.Host)
}

func TestStripRemovesCredentialParams(t *testing.T) {
	stripped := Strip("https://civitai.com/api/download/1?type=Model&token=secret123")
	assert.NotContains(t, stripped, "secret123")
	assert.Contains(t, stripped, "type=Model")
}

func TestStripIsNoopWithoutCredentials(t *testing.T) {
	u := "https://huggingface.co/foo/model.safetensors?revision=main"
	assert.Equal(t, u, Strip(u))
}

func TestSetAllowedHostsReplacesAllowlist(t *testing.T) {
	a := New([]string{"huggingface.co"})
	_, err := a.Admit("https://civitai.com/api/download/1")
	require.Error(t, err)

	a.SetAllowedHosts([]string{"civitai.com"})

	_, err = a.Admit("https://civitai.com/api/download/1")
	assert.NoError(t, err)

	_, err = a.Admit("https://huggingface.co/foo/model.safetensors")
	assert.Error(t, err, "previous allowlist entries must not survive a reload")
}
