package credentials

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachHuggingFaceBearer(t *testing.T) {
	b := New()
	b.Put("req-1", HuggingFace, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "https://huggingface.co/foo", nil)
	require.NoError(t, b.Attach(req, "req-1", HuggingFace))
	assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
}

func TestAttachCivitaiQueryParam(t *testing.T) {
	b := New()
	b.Put("req-2", Civitai, "civitai-secret")

	req := httptest.NewRequest(http.MethodGet, "https://civitai.com/api/download/1?type=Model", nil)
	require.NoError(t, b.Attach(req, "req-2", Civitai))
	assert.Equal(t, "civitai-secret", req.URL.Query().Get("token"))
	assert.Equal(t, "Model", req.URL.Query().Get("type"))
}

func TestAttachNoopWithoutToken(t *testing.T) {
	b := New()
	req := httptest.NewRequest(http.MethodGet, "https://huggingface.co/foo", nil)
	require.NoError(t, b.Attach(req, "req-3", HuggingFace))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestScrubRemovesToken(t *testing.T) {
	b := New()
	b.Put("req-4", HuggingFace, "secret")
	require.True(t, b.HasToken("req-4", HuggingFace))

	b.Scrub("req-4")
	assert.False(t, b.HasToken("req-4", HuggingFace))

	req := httptest.NewRequest(http.MethodGet, "https://huggingface.co/foo", nil)
	require.NoError(t, b.Attach(req, "req-4", HuggingFace))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestTokenExpiresAfterCeiling(t *testing.T) {
	b := New()
	b.mu.Lock()
	b.entries[key{"req-5", HuggingFace}] = entry{token: "secret", expiresAt: time.Now().Add(-time.Second)}
	b.mu.Unlock()

	assert.False(t, b.HasToken("req-5", HuggingFace))
}
