package registry

import (
	"log/slog"
	"net/http"

	"github.com/undocked/undocked/cache"
	"github.com/undocked/undocked/credentials"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for client operations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for all registry and token
// endpoint calls. The client should not forward Authorization headers
// across redirects.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBlobCache sets the local content-addressable blob cache.
func WithBlobCache(bc cache.BlobCache) Option {
	return func(c *Client) {
		c.cache = bc
	}
}

// WithCredentialStore sets the store consulted for registry credentials
// when a request is challenged.
func WithCredentialStore(store credentials.Store) Option {
	return func(c *Client) {
		c.creds = store
	}
}

// WithConcurrency bounds how many layers are transferred at once during
// pull and push. Values below 1 are treated as 1.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.concurrency = n
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}
