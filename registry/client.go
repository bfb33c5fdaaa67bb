package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/undocked/undocked/cache"
	"github.com/undocked/undocked/cache/disk"
	"github.com/undocked/undocked/credentials"
)

const (
	defaultUserAgent   = "undocked/1.0"
	defaultConcurrency = 3

	// defaultCacheDirName is the blob cache location under the user home
	// directory when no cache is injected.
	defaultCacheDirName = ".undocked/blobs"
)

// Client is the entry point for registry operations. It owns the pieces
// shared across sessions: the HTTP client, the token cache, the blob cache,
// the credential store, and the per-digest download group.
type Client struct {
	httpClient  *http.Client
	creds       credentials.Store
	cache       cache.BlobCache
	tokens      *tokenCache
	blobFlight  *sharedFlight
	logger      *slog.Logger
	userAgent   string
	concurrency int
}

// New creates a registry client with the given options.
//
// Unless overridden, blobs are cached under ~/.undocked/blobs and requests
// go through a retrying HTTP client that drops the Authorization header on
// redirects.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		tokens:      newTokenCache(),
		blobFlight:  newSharedFlight(),
		userAgent:   defaultUserAgent,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = defaultHTTPClient()
	}
	if c.cache == nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache dir: %w", err)
		}
		c.cache, err = disk.New(filepath.Join(home, defaultCacheDirName))
		if err != nil {
			return nil, fmt.Errorf("open blob cache: %w", err)
		}
	}
	return c, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *Client) http() *http.Client {
	return c.httpClient
}

// Auth negotiates a bearer token for the reference without performing an
// operation. When the registry has not challenged yet, the API root is
// probed to obtain one. The negotiated token is returned and cached for
// subsequent operations; registries that never challenge yield an empty
// token.
func (c *Client) Auth(ctx context.Context, ref string, cred credentials.Credential) (string, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return "", err
	}
	s := c.NewSession(parsed)
	s.cred = cred

	res, err := s.roundTrip(ctx, http.MethodGet, parsed.baseURL(), nil, nil)
	if err != nil {
		return "", err
	}
	if res.Status != http.StatusUnauthorized {
		return "", nil
	}
	if err := s.refreshToken(ctx, res.Header.Get("Www-Authenticate"), false); err != nil {
		return "", err
	}
	return s.bearer(), nil
}
