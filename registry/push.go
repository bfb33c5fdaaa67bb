package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/undocked/undocked/archive"
)

// unpackToScratch extracts the archive into a fresh scratch directory. The
// returned cleanup removes the directory and must run on every exit path.
func unpackToScratch(src io.Reader) (*archive.Image, func(), error) {
	scratch, err := os.MkdirTemp("", "undocked-push-*")
	if err != nil {
		return nil, nil, err
	}
	img, err := archive.Unpack(src, scratch)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, nil, err
	}
	return img, func() { os.RemoveAll(scratch) }, nil
}

// Push uploads the image archive read from src to the registry at ref and
// returns the manifest digest reported by the registry.
//
// The archive is unpacked into a scratch directory (removed on every exit
// path), its config and layers are pushed as blobs, skipping blobs the
// registry already has, and a schema-2 manifest assembled from the pushed
// descriptors is committed under the reference's tag.
func (c *Client) Push(ctx context.Context, ref string, src io.Reader, opts ...PushOption) (digest.Digest, error) {
	cfg := pushConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	parsed, err := ParseReference(ref)
	if err != nil {
		return "", err
	}
	s := c.NewSession(parsed)
	s.cred = cfg.credential

	img, cleanup, err := unpackToScratch(src)
	if err != nil {
		return "", err
	}
	defer cleanup()

	c.log().Info("pushing image", "ref", parsed.String(), "layers", len(img.LayerPaths))

	configDesc, err := s.pushFileBlob(ctx, img.ConfigPath, MediaTypeDockerImageConfig, cfg.force)
	if err != nil {
		return "", fmt.Errorf("push config: %w", err)
	}

	layerDescs := make([]ocispec.Descriptor, len(img.LayerPaths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, path := range img.LayerPaths {
		g.Go(func() error {
			desc, err := s.pushFileBlob(gctx, path, MediaTypeDockerLayerGzip, cfg.force)
			if err != nil {
				return fmt.Errorf("push layer %s: %w", path, err)
			}
			layerDescs[i] = desc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	m, err := buildImageManifest(configDesc, layerDescs)
	if err != nil {
		return "", err
	}
	res, err := s.PushManifest(ctx, m)
	if err != nil {
		return "", err
	}

	// Some registries return the header in lower case; http.Header lookup
	// is case-insensitive either way.
	pushed := digest.Digest(res.Header.Get("Docker-Content-Digest"))
	if pushed == "" {
		pushed = m.Digest()
	}
	c.log().Info("pushed image", "ref", parsed.String(), "digest", pushed.String())
	return pushed, nil
}

// pushFileBlob pushes one staged file as a blob and returns its descriptor.
func (s *Session) pushFileBlob(ctx context.Context, path, mediaType string, force bool) (ocispec.Descriptor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	res, err := s.PushBlob(ctx, content, force)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if res.Existing {
		s.client.log().Info("layer already exists", "digest", shortDigest(res.Digest))
	} else {
		s.client.log().Info("pushed", "digest", shortDigest(res.Digest), "size", res.Size)
	}
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    res.Digest,
		Size:      res.Size,
	}, nil
}

// buildImageManifest assembles a Docker schema-2 manifest from pushed blob
// descriptors.
func buildImageManifest(config ocispec.Descriptor, layers []ocispec.Descriptor) (*Manifest, error) {
	m := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: MediaTypeDockerManifestV2,
		Config:    config,
		Layers:    layers,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return parseManifest(MediaTypeDockerManifestV2, raw)
}
