// Package httpapi is the HTTP Surface of spec.md §4.9/§6: the
// check-dependencies and download endpoints, plus a supplemented stats
// endpoint, wired with gorilla/mux the way the teacher's legacy
// layerDispatcher/MethodHandler pattern wires its routes.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/comfy-registry/modelregistry/dcontext"
	"github.com/comfy-registry/modelregistry/internal/catalog"
	"github.com/comfy-registry/modelregistry/internal/credentials"
	"github.com/comfy-registry/modelregistry/internal/downloader"
	"github.com/comfy-registry/modelregistry/internal/errcode"
	"github.com/comfy-registry/modelregistry/internal/pathpolicy"
	"github.com/comfy-registry/modelregistry/internal/requestutil"
	"github.com/comfy-registry/modelregistry/internal/resolver"
	"github.com/comfy-registry/modelregistry/internal/uuid"
)

// Server holds the registry's component dependencies and dispatches HTTP
// requests to them. It has no state of its own beyond what those
// components already serialize on.
type Server struct {
	policy   *pathpolicy.Policy
	catalog  *catalog.Catalog
	resolver *resolver.Resolver
	engine   *downloader.Engine
}

// New returns a Server wired to its collaborators.
func New(policy *pathpolicy.Policy, cat *catalog.Catalog, res *resolver.Resolver, engine *downloader.Engine) *Server {
	return &Server{policy: policy, catalog: cat, resolver: res, engine: engine}
}

// Router returns the mux.Router for the registry's endpoints. The caller
// is responsible for wrapping it with any outer middleware (e.g.
// gorilla/handlers.CombinedLoggingHandler).
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/models/check-dependencies", handlers.MethodHandler{
		"POST": http.HandlerFunc(s.checkDependencies),
	})
	r.Handle("/models/download", handlers.MethodHandler{
		"POST": http.HandlerFunc(s.download),
	})
	r.Handle("/models/stats", handlers.MethodHandler{
		"GET": http.HandlerFunc(s.stats),
	})

	return r
}

// dependencyEntryWire is the wire shape of one Dependency Entry in the
// check-dependencies request, per spec.md §6.
type dependencyEntryWire struct {
	Filename     string   `json:"filename"`
	SHA256       string   `json:"sha256"`
	SizeBytes    uint64   `json:"size"`
	URLs         []string `json:"urls"`
	DisplayName  string   `json:"display_name,omitempty"`
	Required     *bool    `json:"required,omitempty"`
	RequiresAuth bool     `json:"requires_auth,omitempty"`
	AuthProvider string   `json:"auth_provider,omitempty"`
}

type checkDependenciesRequest struct {
	Dependencies map[string][]dependencyEntryWire `json:"dependencies"`
}

type missingWire struct {
	Filename     string   `json:"filename"`
	Type         string   `json:"type"`
	SHA256       string   `json:"sha256"`
	SizeBytes    uint64   `json:"size"`
	URLs         []string `json:"urls"`
	RequiresAuth bool     `json:"requires_auth"`
	AuthProvider string   `json:"auth_provider,omitempty"`
}

type existingWire struct {
	Filename  string `json:"filename"`
	ExistsAt  string `json:"exists_at"`
	Type      string `json:"type"`
	SHA256    string `json:"sha256"`
	SizeBytes uint64 `json:"size"`
	Action    string `json:"action"`
}

type checkDependenciesResponse struct {
	Missing           []missingWire  `json:"missing"`
	Existing          []existingWire `json:"existing"`
	TotalDownloadSize uint64         `json:"total_download_size"`
	TotalSavedSize    uint64         `json:"total_saved_size"`
}

func (s *Server) checkDependencies(w http.ResponseWriter, r *http.Request) {
	var req checkDependenciesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errcode.WriteHTTP(w, errcode.New(errcode.InvalidName, "malformed JSON body: "+err.Error(), err))
		return
	}

	manifest := resolver.Manifest{}
	for kind, entries := range req.Dependencies {
		for _, e := range entries {
			manifest[pathpolicy.Kind(kind)] = append(manifest[pathpolicy.Kind(kind)], resolver.Entry{
				Filename:     e.Filename,
				SHA256:       digest.NewDigestFromHex("sha256", e.SHA256),
				SizeBytes:    e.SizeBytes,
				URLs:         e.URLs,
				DisplayName:  e.DisplayName,
				Required:     e.Required == nil || *e.Required,
				RequiresAuth: e.RequiresAuth,
				AuthProvider: credentials.Provider(e.AuthProvider),
			})
		}
	}

	report, err := s.resolver.Resolve(r.Context(), manifest)
	if err != nil {
		errcode.WriteHTTP(w, err)
		return
	}

	resp := checkDependenciesResponse{
		TotalDownloadSize: report.TotalDownloadSize,
		TotalSavedSize:    report.TotalSavedSize,
	}
	for _, m := range report.Missing {
		resp.Missing = append(resp.Missing, missingWire{
			Filename: m.Filename, Type: string(m.Kind), SHA256: m.SHA256.Encoded(),
			SizeBytes: m.SizeBytes, URLs: m.URLs, RequiresAuth: m.RequiresAuth,
			AuthProvider: string(m.AuthProvider),
		})
	}
	for _, e := range report.Existing {
		resp.Existing = append(resp.Existing, existingWire{
			Filename: e.Filename, ExistsAt: e.ExistsAt, Type: string(e.Kind),
			SHA256: e.SHA256.Encoded(), SizeBytes: e.SizeBytes, Action: string(e.Action),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// downloadRequest is the wire shape of the POST /models/download body, per
// spec.md §6.
type downloadRequest struct {
	URL              string `json:"url"`
	Folder           string `json:"folder"`
	Filename         string `json:"filename"`
	SHA256           string `json:"sha256,omitempty"`
	SizeBytes        uint64 `json:"size,omitempty"`
	DisplayName      string `json:"display_name,omitempty"`
	HuggingFaceToken string `json:"huggingface_token,omitempty"`
	CivitaiAPIKey    string `json:"civitai_api_key,omitempty"`
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errcode.WriteHTTP(w, errcode.New(errcode.InvalidName, "malformed JSON body: "+err.Error(), err))
		return
	}

	downloadReq := downloader.Request{
		RequestID:    requestID(r),
		URL:          req.URL,
		Kind:         pathpolicy.Kind(req.Folder),
		Filename:     req.Filename,
		ExpectedSize: req.SizeBytes,
		DisplayName:  req.DisplayName,
	}
	if req.SHA256 != "" {
		downloadReq.ExpectedSHA256 = digest.NewDigestFromHex("sha256", req.SHA256)
	}
	switch {
	case req.HuggingFaceToken != "":
		downloadReq.Provider = credentials.HuggingFace
		downloadReq.Token = req.HuggingFaceToken
	case req.CivitaiAPIKey != "":
		downloadReq.Provider = credentials.Civitai
		downloadReq.Token = req.CivitaiAPIKey
	}

	log := dcontext.GetLogger(r.Context()).WithFields(logrus.Fields{
		"download.id": downloadReq.RequestID,
		"remote_addr": requestutil.RemoteIP(r),
	})

	events, err := s.engine.Download(r.Context(), downloadReq)
	if err != nil {
		log.WithError(err).Warn("download request rejected")
		errcode.WriteHTTP(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			log.WithError(err).Warn("ndjson encode failed, client likely disconnected")
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.catalog.Stats(r.Context())
	if err != nil {
		errcode.WriteHTTP(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ArtifactCount int64 `json:"artifact_count"`
		AliasCount    int64 `json:"alias_count"`
		TotalBytes    int64 `json:"total_bytes"`
	}{st.ArtifactCount, st.AliasCount, st.TotalBytes})
}

// requestID returns the caller-supplied request identifier if present, or
// a fresh one otherwise. The credential broker keys entries by this value,
// so it must be unique per download call.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}
