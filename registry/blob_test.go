package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undocked/undocked/cache/disk"
	"github.com/undocked/undocked/internal/testutil"
)

func TestPullBlob(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	content := []byte("layer bytes")
	dgst := reg.SetBlob(content)
	c := newTestClient(t)

	ref, err := ParseReference(reg.Ref("library/app", "v1"))
	require.NoError(t, err)
	s := c.NewSession(ref)

	var buf bytes.Buffer
	require.NoError(t, s.PullBlob(context.Background(), dgst, &buf))
	assert.Equal(t, content, buf.Bytes())
	assert.Equal(t, 1, reg.BlobDownloads())

	// Second pull is served from the cache.
	buf.Reset()
	require.NoError(t, s.PullBlob(context.Background(), dgst, &buf))
	assert.Equal(t, content, buf.Bytes())
	assert.Equal(t, 1, reg.BlobDownloads())
}

func TestPullBlobInvalidDigest(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	s := c.NewSession(Reference{Registry: "example.com", Repository: "app", Tag: "v1", Secure: true})

	err := s.PullBlob(context.Background(), digest.Digest("sha256:nope"), &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestPullBlobCorruptedCache(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	dgst := reg.SetBlob([]byte("pristine content"))

	bc, err := disk.New(t.TempDir())
	require.NoError(t, err)
	c, err := New(WithBlobCache(bc))
	require.NoError(t, err)

	// Plant a corrupted entry where the blob would be cached.
	require.NoError(t, os.WriteFile(bc.Path(dgst), []byte("tampered"), 0o600))

	ref, err := ParseReference(reg.Ref("library/app", "v1"))
	require.NoError(t, err)

	err = c.NewSession(ref).PullBlob(context.Background(), dgst, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestPullBlobTransferCorruption(t *testing.T) {
	t.Parallel()

	dgst := digest.FromString("what the registry promised")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "something else entirely")
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t)
	ref, err := ParseReference(srv.URL + "/library/app:v1")
	require.NoError(t, err)

	err = c.NewSession(ref).PullBlob(context.Background(), dgst, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestPullBlobConcurrent(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	content := []byte("shared layer")
	dgst := reg.SetBlob(content)
	c := newTestClient(t)

	ref, err := ParseReference(reg.Ref("library/app", "v1"))
	require.NoError(t, err)
	s := c.NewSession(ref)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf bytes.Buffer
			if assert.NoError(t, s.PullBlob(context.Background(), dgst, &buf)) {
				assert.Equal(t, content, buf.Bytes())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reg.BlobDownloads())
}

func TestPullBlobCancelAbortsDownload(t *testing.T) {
	t.Parallel()

	dgst := digest.FromString("slow blob")
	requestStarted := make(chan struct{})
	requestAborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(requestStarted)
		<-r.Context().Done()
		close(requestAborted)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t)
	ref, err := ParseReference(srv.URL + "/library/app:v1")
	require.NoError(t, err)
	s := c.NewSession(ref)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.PullBlob(ctx, dgst, io.Discard)
	}()

	<-requestStarted
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// With no waiters left the download itself must be torn down, not
	// left running to completion.
	select {
	case <-requestAborted:
	case <-time.After(5 * time.Second):
		t.Fatal("registry request still in flight after cancellation")
	}
}

func TestPushBlob(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	c := newTestClient(t)

	ref, err := ParseReference(reg.Ref("library/app", "v1"))
	require.NoError(t, err)
	s := c.NewSession(ref)

	content := []byte("fresh layer")
	res, err := s.PushBlob(context.Background(), content, false)
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, digest.FromBytes(content), res.Digest)
	assert.Equal(t, int64(len(content)), res.Size)
	assert.True(t, reg.HasBlob(res.Digest))

	posts, puts := reg.UploadRequests()
	assert.Equal(t, 1, posts)
	assert.Equal(t, 1, puts)
}

func TestPushBlobSkipsExisting(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	content := []byte("already there")
	reg.SetBlob(content)
	c := newTestClient(t)

	ref, err := ParseReference(reg.Ref("library/app", "v1"))
	require.NoError(t, err)

	res, err := c.NewSession(ref).PushBlob(context.Background(), content, false)
	require.NoError(t, err)
	assert.True(t, res.Existing)

	posts, puts := reg.UploadRequests()
	assert.Zero(t, posts)
	assert.Zero(t, puts)
}

func TestPushBlobForce(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t)
	content := []byte("already there")
	reg.SetBlob(content)
	c := newTestClient(t)

	ref, err := ParseReference(reg.Ref("library/app", "v1"))
	require.NoError(t, err)

	res, err := c.NewSession(ref).PushBlob(context.Background(), content, true)
	require.NoError(t, err)
	assert.False(t, res.Existing)

	posts, puts := reg.UploadRequests()
	assert.Equal(t, 1, posts)
	assert.Equal(t, 1, puts)
}

func TestPushBlobUpgradesScope(t *testing.T) {
	t.Parallel()

	reg := testutil.NewRegistry(t, testutil.WithTokenAuth("", ""))
	c := newTestClient(t)

	ref, err := ParseReference(reg.Ref("library/app", "v1"))
	require.NoError(t, err)

	_, err = c.NewSession(ref).PushBlob(context.Background(), []byte("needs write scope"), false)
	require.NoError(t, err)
	assert.Contains(t, reg.LastTokenScope(), "pull,push")
}

func TestResolveUploadURL(t *testing.T) {
	t.Parallel()

	ref := Reference{Registry: "registry.example.com", Repository: "app", Tag: "v1", Secure: true}
	s := (&Client{}).NewSession(ref)
	dgst := digest.FromString("x")

	tests := []struct {
		name     string
		location string
		want     string
	}{
		{
			name:     "relative location",
			location: "/v2/app/blobs/uploads/42",
			want:     "https://registry.example.com/v2/app/blobs/uploads/42?digest=" + dgst.String(),
		},
		{
			name:     "absolute location with state",
			location: "https://registry.example.com/v2/app/blobs/uploads/42?state=abc",
			want:     "https://registry.example.com/v2/app/blobs/uploads/42?state=abc&digest=" + dgst.String(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := s.resolveUploadURL(tt.location, dgst)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
