//go:build integration

package integration

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undocked/undocked/archive"
	"github.com/undocked/undocked/credentials"
	"github.com/undocked/undocked/registry"
)

func TestPushPullRoundTrip(t *testing.T) {
	addr := getRegistry(t)
	client := newTestClient(t)
	ctx := context.Background()

	ref := testRef(addr, "roundtrip")
	layers := [][]byte{
		gzipLayer("etc/base", []byte("base layer\n")),
		gzipLayer("etc/app", []byte("app layer\n")),
	}
	packed, layerDigests := buildArchive(t, "test/roundtrip:latest", layers...)

	pushed, err := client.Push(ctx, ref, bytes.NewReader(packed))
	require.NoError(t, err)
	require.NotEmpty(t, pushed)

	var pulled bytes.Buffer
	require.NoError(t, client.Pull(ctx, ref, &pulled))

	img, err := archive.Unpack(&pulled, t.TempDir())
	require.NoError(t, err)
	require.Len(t, img.LayerPaths, len(layers))

	// Layer content survives the trip with digests intact.
	for i, path := range img.LayerPaths {
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, layerDigests[i], digest.FromBytes(content), "layer %d digest changed", i)
	}
}

func TestPushDeduplicatesBlobs(t *testing.T) {
	addr := getRegistry(t)
	client := newTestClient(t)
	ctx := context.Background()

	layer := gzipLayer("etc/shared", []byte("shared content\n"))
	packed, _ := buildArchive(t, "test/dedup:latest", layer)

	first, err := client.Push(ctx, testRef(addr, "dedup"), bytes.NewReader(packed))
	require.NoError(t, err)

	// Same blobs under a second tag: the manifest digest must match because
	// nothing about the content changed.
	second, err := client.Push(ctx, testRef(addr, "dedup-again"), bytes.NewReader(packed))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPullIsIdempotent(t *testing.T) {
	addr := getRegistry(t)
	client := newTestClient(t)
	ctx := context.Background()

	ref := testRef(addr, "idempotent")
	packed, _ := buildArchive(t, "test/idempotent:latest", gzipLayer("etc/one", []byte("one\n")))
	_, err := client.Push(ctx, ref, bytes.NewReader(packed))
	require.NoError(t, err)

	var first, second bytes.Buffer
	require.NoError(t, client.Pull(ctx, ref, &first))
	require.NoError(t, client.Pull(ctx, ref, &second))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestPullUnknownTag(t *testing.T) {
	addr := getRegistry(t)
	client := newTestClient(t)

	err := client.Pull(context.Background(), testRef(addr, "never-pushed"), &bytes.Buffer{})
	require.Error(t, err)

	var regErr *registry.Error
	if errors.As(err, &regErr) {
		assert.Equal(t, 404, regErr.Status)
	}
}

func TestAuthAgainstOpenRegistry(t *testing.T) {
	addr := getRegistry(t)
	client := newTestClient(t)

	// registry:2 without auth configured never challenges.
	tok, err := client.Auth(context.Background(), testRef(addr, "auth"), credentials.Credential{})
	require.NoError(t, err)
	assert.Empty(t, tok)
}
