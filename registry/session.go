package registry

import (
	"context"
	"sync"

	"github.com/undocked/undocked/credentials"
)

// Session binds one pull or push operation to a (registry, repository, tag)
// triple and owns the bearer token for it. The token is refreshed in place
// whenever a request is challenged; refreshes are atomic with respect to
// concurrent readers. Sessions are not persisted.
type Session struct {
	client *Client
	ref    Reference
	cred   credentials.Credential

	tokenMu sync.Mutex
	token   string

	manifestFlight *sharedFlight
	manifestMu     sync.Mutex
	manifests      map[string]*Manifest
}

// NewSession opens a session for the given reference.
func (c *Client) NewSession(ref Reference) *Session {
	return &Session{
		client:         c,
		ref:            ref,
		manifestFlight: newSharedFlight(),
		manifests:      make(map[string]*Manifest),
	}
}

// Reference returns the session's immutable image reference.
func (s *Session) Reference() Reference {
	return s.ref
}

// bearer returns the current token, which may be empty.
func (s *Session) bearer() string {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return s.token
}

func (s *Session) setToken(tok string) {
	s.tokenMu.Lock()
	s.token = tok
	s.tokenMu.Unlock()
}

// cachedManifest memoizes manifest fetches per session key with
// single-flight semantics: concurrent callers for the same key share one
// network round trip, and the round trip is aborted once every caller has
// cancelled.
func (s *Session) cachedManifest(ctx context.Context, key string, fetch func(context.Context) (*Manifest, error)) (*Manifest, error) {
	s.manifestMu.Lock()
	if m, ok := s.manifests[key]; ok {
		s.manifestMu.Unlock()
		return m, nil
	}
	s.manifestMu.Unlock()

	v, err := s.manifestFlight.do(ctx, key, func(fctx context.Context) (any, error) {
		m, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		s.manifestMu.Lock()
		s.manifests[key] = m
		s.manifestMu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}
