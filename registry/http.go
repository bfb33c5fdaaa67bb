package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/retry"
)

// Result is the outcome of a single registry HTTP call. Header lookups are
// case-insensitive via http.Header.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the response body into v.
func (r *Result) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// decodeJSONBody reads an *http.Response expected to carry a JSON document,
// rejecting non-200 statuses.
func decodeJSONBody(resp *http.Response, v any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	return json.Unmarshal(data, v)
}

// defaultHTTPClient builds the client used when none is injected: the ORAS
// retrying transport plus a redirect policy that never forwards the
// Authorization header. Registries redirect blob GETs to pre-signed CDN URLs
// which reject requests carrying both a signature and an auth header.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport:     retry.NewTransport(http.DefaultTransport),
		CheckRedirect: dropAuthOnRedirect,
	}
}

func dropAuthOnRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("registry: stopped after 10 redirects")
	}
	req.Header.Del("Authorization")
	return nil
}

// roundTrip issues a single HTTP request with the session's current token
// attached and the response body fully read.
func (s *Session) roundTrip(ctx context.Context, method, url string, hdr http.Header, body []byte) (*Result, error) {
	res, rc, err := s.roundTripStream(ctx, method, url, hdr, body)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	res.Body, err = io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// roundTripStream is roundTrip without draining the body. The caller owns
// the returned ReadCloser.
func (s *Session) roundTripStream(ctx context.Context, method, url string, hdr http.Header, body []byte) (*Result, io.ReadCloser, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", s.client.userAgent)
	if tok := s.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	resp, err := s.client.http().Do(req)
	if err != nil {
		return nil, nil, err
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header}, resp.Body, nil
}

// do issues the request under the shared 401 discipline: on a 401 the
// WWW-Authenticate challenge is negotiated into a fresh token, the request is
// retried exactly once, and a second 401 is terminal. The retry bound is a
// loop rather than recursion so termination is explicit.
func (s *Session) do(ctx context.Context, method, url string, hdr http.Header, body []byte, forPush bool) (*Result, error) {
	res, err := s.roundTrip(ctx, method, url, hdr, body)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusUnauthorized {
		return res, nil
	}

	if err := s.refreshToken(ctx, res.Header.Get("Www-Authenticate"), forPush); err != nil {
		return nil, err
	}
	res, err = s.roundTrip(ctx, method, url, hdr, body)
	if err != nil {
		return nil, err
	}
	if res.Status == http.StatusUnauthorized {
		return nil, fmt401(s)
	}
	return res, nil
}

// doStream is do for responses whose body should be streamed (blob GETs).
func (s *Session) doStream(ctx context.Context, method, url string, hdr http.Header) (*Result, io.ReadCloser, error) {
	res, rc, err := s.roundTripStream(ctx, method, url, hdr, nil)
	if err != nil {
		return nil, nil, err
	}
	if res.Status != http.StatusUnauthorized {
		return res, rc, nil
	}
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()

	if err := s.refreshToken(ctx, res.Header.Get("Www-Authenticate"), false); err != nil {
		return nil, nil, err
	}
	res, rc, err = s.roundTripStream(ctx, method, url, hdr, nil)
	if err != nil {
		return nil, nil, err
	}
	if res.Status == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		return nil, nil, fmt401(s)
	}
	return res, rc, nil
}
