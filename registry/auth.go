package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/undocked/undocked/credentials"
)

const challengePrefix = `Bearer realm="`

// fmt401 is the terminal condition of the shared 401 discipline: a request
// still rejected after the token was refreshed.
func fmt401(s *Session) error {
	return fmt.Errorf("%w: token rejected by %s", ErrAuthentication, s.ref.Registry)
}

// challenge is a parsed WWW-Authenticate bearer challenge. The parameter
// order of the header is preserved so the token URL matches what the
// registry asked for verbatim.
type challenge struct {
	realm  string
	params []challengeParam
}

type challengeParam struct {
	key   string
	value string
}

// parseChallenge parses a header of the form
//
//	Bearer realm="https://auth.example.com/token",service="...",scope="..."
//
// into its realm and remaining key/value parameters. The parameters are a
// quoted-comma-separated list: splitting happens on `",` rather than bare
// commas, so a comma inside a quoted value (a "pull,push" scope) stays part
// of that value.
func parseChallenge(header string) (challenge, error) {
	if !strings.HasPrefix(header, challengePrefix) {
		return challenge{}, fmt.Errorf("%w: unsupported challenge %q", ErrAuthentication, header)
	}
	rest := strings.TrimPrefix(header, "Bearer ")
	if !strings.HasSuffix(rest, `"`) {
		return challenge{}, fmt.Errorf("%w: unterminated challenge %q", ErrAuthentication, header)
	}

	var c challenge
	for _, part := range strings.Split(rest, `",`) {
		key, value, ok := strings.Cut(part, `="`)
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSuffix(value, `"`)
		if key == "realm" {
			c.realm = value
			continue
		}
		c.params = append(c.params, challengeParam{key: key, value: value})
	}
	if c.realm == "" {
		return challenge{}, fmt.Errorf("%w: no realm in challenge %q", ErrAuthentication, header)
	}
	return c, nil
}

// upgradeScope widens the challenge's repository scope from pull to
// pull,push. Blob existence checks and uploads need write scope even though
// the registry challenges with the scope of the original read.
func (c challenge) upgradeScope() challenge {
	out := challenge{realm: c.realm, params: make([]challengeParam, len(c.params))}
	copy(out.params, c.params)
	for i, p := range out.params {
		if p.key == "scope" && !strings.Contains(p.value, "push") {
			out.params[i].value = strings.ReplaceAll(p.value, "pull", "pull,push")
		}
	}
	return out
}

// tokenURL assembles the GET URL for the token endpoint, e.g.
// realm?service=...&scope=... . Values are passed through unescaped, the way
// registries hand them out.
func (c challenge) tokenURL() string {
	var b strings.Builder
	b.WriteString(c.realm)
	for i, p := range c.params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(p.value)
	}
	return b.String()
}

// tokenResponse is the body of a token endpoint response. Either field may
// carry the usable token.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// tokenCache memoizes successful token lookups for the lifetime of the
// client, keyed by (token URL, credential identity). Lookups are
// single-flight: concurrent callers for the same key share one request. It
// is an explicit injectable component rather than ambient global state.
type tokenCache struct {
	mu     sync.Mutex
	flight *sharedFlight
	tokens map[string]string
}

func newTokenCache() *tokenCache {
	return &tokenCache{
		flight: newSharedFlight(),
		tokens: make(map[string]string),
	}
}

// token returns the cached token for (url, cred), fetching it at most once
// per key even under concurrent callers. A caller whose context expires
// stops waiting without cancelling the fetch for the remaining waiters.
func (tc *tokenCache) token(ctx context.Context, hc *http.Client, ua, url string, cred credentials.Credential) (string, error) {
	key := url + "\x00" + cred.Identity()

	tc.mu.Lock()
	if tok, ok := tc.tokens[key]; ok {
		tc.mu.Unlock()
		return tok, nil
	}
	tc.mu.Unlock()

	v, err := tc.flight.do(ctx, key, func(fctx context.Context) (any, error) {
		tok, err := fetchToken(fctx, hc, ua, url, cred)
		if err != nil {
			return "", err
		}
		tc.mu.Lock()
		tc.tokens[key] = tok
		tc.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// fetchToken performs the token endpoint GET. Anonymous requests carry no
// Authorization header; explicit or stored credentials are sent as basic
// auth. A response with neither token nor access_token is the terminal
// authentication failure, never retried.
func fetchToken(ctx context.Context, hc *http.Client, ua, url string, cred credentials.Credential) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", ua)
	if basic := cred.Basic(); basic != "" {
		req.Header.Set("Authorization", "Basic "+basic)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := decodeJSONBody(resp, &body); err != nil {
		return "", fmt.Errorf("%w: token endpoint %s: %v", ErrAuthentication, url, err)
	}
	switch {
	case body.Token != "":
		return body.Token, nil
	case body.AccessToken != "":
		return body.AccessToken, nil
	default:
		return "", fmt.Errorf("%w: token endpoint %s returned no token", ErrAuthentication, url)
	}
}

// refreshToken turns a WWW-Authenticate challenge into a session token. The
// credential order is: explicit per-operation credential, then the client's
// credential store for this registry, then anonymous. Concurrent 401s on the
// same session share one refresh via the token cache's single-flight group.
func (s *Session) refreshToken(ctx context.Context, header string, forPush bool) error {
	ch, err := parseChallenge(header)
	if err != nil {
		return err
	}
	if forPush {
		ch = ch.upgradeScope()
	}

	cred := s.cred
	if cred.IsZero() && s.client.creds != nil {
		stored, err := s.client.creds.Get(ctx, s.ref.Registry)
		if err == nil {
			cred = stored
		} else {
			s.client.log().Debug("credential store lookup failed", "registry", s.ref.Registry, "error", err)
		}
	}

	tok, err := s.client.tokens.token(ctx, s.client.http(), s.client.userAgent, ch.tokenURL(), cred)
	if err != nil {
		return err
	}
	s.setToken(tok)
	s.client.log().Debug("authenticated", "ref", s.ref.String())
	return nil
}
