//go:build integration

package integration

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/undocked/undocked/archive"
	"github.com/undocked/undocked/cache/disk"
	"github.com/undocked/undocked/registry"
)

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if
// needed. The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		ctx := context.Background()
		registryAddr, registryErr = startRegistryContainer(ctx)
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the
// host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// newTestClient creates a client with a throwaway blob cache.
func newTestClient(tb testing.TB, opts ...registry.Option) *registry.Client {
	tb.Helper()

	bc, err := disk.New(tb.TempDir())
	require.NoError(tb, err, "create blob cache")

	client, err := registry.New(append([]registry.Option{registry.WithBlobCache(bc)}, opts...)...)
	require.NoError(tb, err, "create test client")

	return client
}

// testRef generates a unique plain-HTTP reference for a test to avoid
// collisions.
func testRef(registryAddr, testName string) string {
	return fmt.Sprintf("http://%s/test/%s:latest", registryAddr, testName)
}

// gzipLayer builds a gzip-compressed tar layer holding a single file.
func gzipLayer(name string, content []byte) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
	if _, err := tw.Write(content); err != nil {
		panic(err)
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}
	if err := gz.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// buildArchive packs a minimal image archive from the given layer blobs,
// returning the archive bytes and the layer digests.
func buildArchive(tb testing.TB, repoTag string, layers ...[]byte) ([]byte, []digest.Digest) {
	tb.Helper()

	config := []byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers"}}`)

	dir := tb.TempDir()
	var staged []archive.Layer
	var digests []digest.Digest
	for i, layer := range layers {
		path := filepath.Join(dir, fmt.Sprintf("layer-%d.tar", i))
		require.NoError(tb, os.WriteFile(path, layer, 0o600))
		dgst := digest.FromBytes(layer)
		staged = append(staged, archive.Layer{Digest: dgst, Path: path})
		digests = append(digests, dgst)
	}

	var buf bytes.Buffer
	require.NoError(tb, archive.Pack(&buf, repoTag, digest.FromBytes(config), config, staged))
	return buf.Bytes(), digests
}
