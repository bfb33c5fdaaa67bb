// Package testutil provides an in-process fake registry speaking the subset
// of the Docker Distribution v2 protocol the client exercises, plus fixture
// builders for layer blobs.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
)

const testToken = "fixture-bearer-token"

// Registry is a fake Docker registry backed by httptest. It supports
// manifest GET/PUT, blob GET/HEAD, monolithic uploads, and an optional
// bearer-token flow with basic-auth credentials at the token endpoint.
type Registry struct {
	Server *httptest.Server

	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[string]manifestRecord
	uploads   int

	authEnabled bool
	username    string
	password    string

	tokenRequests  int
	lastTokenScope string
	blobDownloads  int
	uploadPosts    int
	uploadPuts     int
}

type manifestRecord struct {
	mediaType string
	body      []byte
}

// RegistryOption configures a fake registry.
type RegistryOption func(*Registry)

// WithTokenAuth enables the bearer challenge flow. With empty credentials
// the token endpoint accepts anonymous requests; otherwise it requires the
// matching basic auth header.
func WithTokenAuth(username, password string) RegistryOption {
	return func(r *Registry) {
		r.authEnabled = true
		r.username = username
		r.password = password
	}
}

// NewRegistry starts a fake registry. The server is closed automatically
// when the test finishes.
func NewRegistry(tb interface {
	Helper()
	Cleanup(func())
}, opts ...RegistryOption) *Registry {
	tb.Helper()

	r := &Registry{
		blobs:     make(map[digest.Digest][]byte),
		manifests: make(map[string]manifestRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	tb.Cleanup(r.Server.Close)
	return r
}

// Host returns the registry's host:port.
func (r *Registry) Host() string {
	return strings.TrimPrefix(r.Server.URL, "http://")
}

// Ref builds a plain-HTTP reference string for a repository and tag.
func (r *Registry) Ref(repo, tag string) string {
	return fmt.Sprintf("http://%s/%s:%s", r.Host(), repo, tag)
}

// SetBlob stores content and returns its digest.
func (r *Registry) SetBlob(content []byte) digest.Digest {
	dgst := digest.FromBytes(content)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[dgst] = append([]byte(nil), content...)
	return dgst
}

// HasBlob reports whether the registry holds the digest.
func (r *Registry) HasBlob(dgst digest.Digest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blobs[dgst]
	return ok
}

// SetManifest stores a manifest under the given reference (tag or digest
// string) and additionally under its own digest, the way real registries
// make child manifests resolvable by digest. Returns the manifest digest.
func (r *Registry) SetManifest(repo, ref, mediaType string, body []byte) digest.Digest {
	dgst := digest.FromBytes(body)
	rec := manifestRecord{mediaType: mediaType, body: append([]byte(nil), body...)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[repo+"@"+ref] = rec
	r.manifests[repo+"@"+dgst.String()] = rec
	return dgst
}

// Manifest returns the manifest stored under ref.
func (r *Registry) Manifest(repo, ref string) (body []byte, mediaType string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.manifests[repo+"@"+ref]
	return rec.body, rec.mediaType, ok
}

// BlobDownloads returns how many blob GETs the registry has served.
func (r *Registry) BlobDownloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blobDownloads
}

// TokenRequests returns how many token endpoint calls were made.
func (r *Registry) TokenRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokenRequests
}

// LastTokenScope returns the scope parameter of the most recent token
// request.
func (r *Registry) LastTokenScope() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTokenScope
}

// UploadRequests returns the number of upload POSTs and commit PUTs served.
func (r *Registry) UploadRequests() (posts, puts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploadPosts, r.uploadPuts
}

func (r *Registry) handle(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/token" {
		r.handleToken(w, req)
		return
	}
	if !strings.HasPrefix(req.URL.Path, "/v2/") {
		http.NotFound(w, req)
		return
	}
	if r.authEnabled && req.Header.Get("Authorization") != "Bearer "+testToken {
		r.challenge(w, req)
		return
	}

	path := strings.TrimPrefix(req.URL.Path, "/v2/")
	switch {
	case path == "":
		w.WriteHeader(http.StatusOK)
	case strings.Contains(path, "/manifests/"):
		repo, ref, _ := strings.Cut(path, "/manifests/")
		r.handleManifest(w, req, repo, ref)
	case strings.HasSuffix(path, "/blobs/uploads/"):
		r.handleUploadStart(w, req, strings.TrimSuffix(path, "/blobs/uploads/"))
	case strings.Contains(path, "/blobs/uploads/"):
		r.handleUploadCommit(w, req)
	case strings.Contains(path, "/blobs/"):
		_, dgst, _ := strings.Cut(path, "/blobs/")
		r.handleBlob(w, req, digest.Digest(dgst))
	default:
		http.NotFound(w, req)
	}
}

func (r *Registry) challenge(w http.ResponseWriter, req *http.Request) {
	repo := "library/unknown"
	if rest, ok := strings.CutPrefix(req.URL.Path, "/v2/"); ok {
		for _, marker := range []string{"/manifests/", "/blobs/"} {
			if name, _, found := strings.Cut(rest, marker); found {
				repo = name
				break
			}
		}
	}
	header := fmt.Sprintf(`Bearer realm="%s/token",service="registry.test",scope="repository:%s:pull"`, r.Server.URL, repo)
	w.Header().Set("WWW-Authenticate", header)
	w.WriteHeader(http.StatusUnauthorized)
}

func (r *Registry) handleToken(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.tokenRequests++
	r.lastTokenScope = req.URL.Query().Get("scope")
	r.mu.Unlock()

	if r.username != "" {
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte(r.username+":"+r.password))
		if req.Header.Get("Authorization") != want {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"details": "incorrect username or password"})
			return
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"token": testToken})
}

func (r *Registry) handleManifest(w http.ResponseWriter, req *http.Request, repo, ref string) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		body, mediaType, ok := r.Manifest(repo, ref)
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", mediaType)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(body).String())
		if req.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	case http.MethodPut:
		body := readAll(req)
		dgst := r.SetManifest(repo, ref, req.Header.Get("Content-Type"), body)
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (r *Registry) handleBlob(w http.ResponseWriter, req *http.Request, dgst digest.Digest) {
	r.mu.Lock()
	content, ok := r.blobs[dgst]
	if ok && req.Method == http.MethodGet {
		r.blobDownloads++
	}
	r.mu.Unlock()

	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	if req.Method == http.MethodGet {
		_, _ = w.Write(content)
	}
}

func (r *Registry) handleUploadStart(w http.ResponseWriter, req *http.Request, repo string) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.mu.Lock()
	r.uploadPosts++
	r.uploads++
	id := r.uploads
	r.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%d?state=fixture", repo, id))
	w.WriteHeader(http.StatusAccepted)
}

func (r *Registry) handleUploadCommit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	want := digest.Digest(req.URL.Query().Get("digest"))
	body := readAll(req)
	got := digest.FromBytes(body)
	if want == "" || got != want {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.uploadPuts++
	r.blobs[got] = body
	r.mu.Unlock()

	w.Header().Set("Docker-Content-Digest", got.String())
	w.WriteHeader(http.StatusCreated)
}

func readAll(req *http.Request) []byte {
	defer req.Body.Close()
	body, _ := io.ReadAll(req.Body)
	return body
}
