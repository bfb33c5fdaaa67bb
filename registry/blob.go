package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
)

// PushResult describes the outcome of a blob push.
type PushResult struct {
	Digest digest.Digest
	Size   int64
	// Existing is true when the registry already had the blob and no upload
	// was performed.
	Existing bool
}

// PullBlob streams the blob with the given digest into dst.
//
// The local cache is consulted first; on a miss the blob is downloaded under
// the shared 401 discipline, verified against its digest, and only then
// promoted into the cache. Concurrent pulls of the same digest share a
// single download.
func (s *Session) PullBlob(ctx context.Context, dgst digest.Digest, dst io.Writer) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("%w: invalid digest %q: %v", ErrDigestMismatch, dgst, err)
	}

	bc := s.client.cache
	if bc == nil {
		// No cache configured: stream straight through, still verified.
		return s.downloadBlob(ctx, dgst, dst)
	}

	if rc, ok := bc.Get(dgst); ok {
		defer rc.Close()
		s.client.log().Debug("blob cache hit", "digest", shortDigest(dgst))
		return copyVerified(dst, rc, dgst)
	}

	// One in-flight download per digest; waiters copy from the cache once
	// the winner has promoted the entry. The download survives individual
	// cancellations and is aborted when every waiter has gone.
	_, err := s.client.blobFlight.do(ctx, dgst.String(), func(fctx context.Context) (any, error) {
		if _, ok := bc.Get(dgst); ok {
			return nil, nil
		}
		w, err := bc.Put(dgst)
		if err != nil {
			return nil, err
		}
		if err := s.downloadBlob(fctx, dgst, w); err != nil {
			_ = w.Discard()
			return nil, err
		}
		return nil, w.Commit()
	})
	if err != nil {
		return err
	}

	rc, ok := bc.Get(dgst)
	if !ok {
		return fmt.Errorf("registry: blob %s missing from cache after download", dgst)
	}
	defer rc.Close()
	return copyVerified(dst, rc, dgst)
}

// copyVerified copies a cached blob to dst, recomputing its digest on the
// way. Cached entries are verified on every read so on-disk corruption is
// caught instead of served.
func copyVerified(dst io.Writer, src io.Reader, dgst digest.Digest) error {
	verifier := dgst.Verifier()
	if _, err := io.Copy(io.MultiWriter(dst, verifier), src); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: cached blob %s is corrupted", ErrDigestMismatch, dgst)
	}
	return nil
}

// PullBlobBytes is PullBlob buffered in memory.
func (s *Session) PullBlobBytes(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.PullBlob(ctx, dgst, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// downloadBlob fetches a blob from the registry into dst, verifying the
// content hash as it streams. dst receives bytes before verification
// completes, so callers must not treat the content as trusted until
// downloadBlob returns nil.
func (s *Session) downloadBlob(ctx context.Context, dgst digest.Digest, dst io.Writer) error {
	url := s.ref.blobsURL() + "/" + dgst.String()
	res, rc, err := s.doStream(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer rc.Close()
	if res.Status != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(rc, 4096))
		return statusError(&Result{Status: res.Status, Header: res.Header, Body: body})
	}

	verifier := dgst.Verifier()
	n, err := io.Copy(io.MultiWriter(dst, verifier), rc)
	if err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: blob %s corrupted in transfer (%d bytes)", ErrDigestMismatch, dgst, n)
	}
	s.client.log().Debug("blob downloaded", "digest", shortDigest(dgst), "size", n)
	return nil
}

// PushBlob uploads content as a blob, skipping the upload when the registry
// already has the digest (unless force is set).
//
// The existence HEAD and the upload both need write scope, so a 401 here
// negotiates with the challenge scope upgraded from pull to pull,push. The
// upload is monolithic: one POST to open the session, one PUT to commit.
func (s *Session) PushBlob(ctx context.Context, content []byte, force bool) (PushResult, error) {
	dgst := digest.FromBytes(content)
	out := PushResult{Digest: dgst, Size: int64(len(content))}

	head, err := s.do(ctx, http.MethodHead, s.ref.blobsURL()+"/"+dgst.String(), nil, nil, true)
	if err != nil {
		return PushResult{}, err
	}
	if head.Status == http.StatusOK && !force {
		s.client.log().Debug("blob already exists", "digest", shortDigest(dgst))
		out.Existing = true
		return out, nil
	}

	post, err := s.do(ctx, http.MethodPost, s.ref.blobsURL()+"/uploads/", nil, nil, true)
	if err != nil {
		return PushResult{}, err
	}
	if post.Status != http.StatusAccepted && post.Status != http.StatusCreated {
		return PushResult{}, fmt.Errorf("%w: upload session for %s: status %d: %s", ErrUpload, dgst, post.Status, post.Body)
	}
	location := post.Header.Get("Location")
	if location == "" {
		return PushResult{}, fmt.Errorf("%w: upload session for %s returned no location", ErrUpload, dgst)
	}
	uploadURL, err := s.resolveUploadURL(location, dgst)
	if err != nil {
		return PushResult{}, err
	}

	hdr := http.Header{"Content-Type": []string{mediaTypeOctetStream}}
	put, err := s.do(ctx, http.MethodPut, uploadURL, hdr, content, true)
	if err != nil {
		return PushResult{}, err
	}
	if put.Status != http.StatusCreated {
		return PushResult{}, fmt.Errorf("%w: commit of %s: status %d: %s", ErrUpload, dgst, put.Status, put.Body)
	}
	return out, nil
}

// resolveUploadURL turns the Location header of an upload session into the
// absolute commit URL carrying the digest parameter. Registries may return
// the location relative and with or without a state query token.
func (s *Session) resolveUploadURL(location string, dgst digest.Digest) (string, error) {
	if strings.HasPrefix(location, "/") {
		location = s.ref.scheme() + "://" + s.ref.Registry + location
	}
	sep := "?"
	if strings.Contains(location, "?") {
		sep = "&"
	}
	return location + sep + "digest=" + dgst.String(), nil
}

// PushManifest PUTs the serialized manifest under the session's tag with a
// Content-Type matching its schema. The returned Result's
// Docker-Content-Digest header is the authoritative digest of the pushed
// image.
func (s *Session) PushManifest(ctx context.Context, m *Manifest) (*Result, error) {
	mediaType := m.MediaType()
	if mediaType == "" {
		mediaType = MediaTypeDockerManifestV2
	}
	hdr := http.Header{"Content-Type": []string{mediaType}}

	res, err := s.do(ctx, http.MethodPut, s.ref.manifestURL(s.ref.Tag), hdr, m.Raw(), true)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusCreated {
		return nil, fmt.Errorf("%w: manifest for %s: status %d: %s", ErrUpload, s.ref, res.Status, res.Body)
	}
	return res, nil
}

// shortDigest abbreviates a digest for log output.
func shortDigest(dgst digest.Digest) string {
	enc := dgst.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}
