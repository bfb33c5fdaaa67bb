package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/undocked/undocked/archive"
)

// Pull downloads the image at ref and writes it to dst as a portable tar
// archive.
//
// Blobs are staged in a scratch directory that is removed on every exit
// path; the archive appears on dst only after all content has been
// downloaded and verified. Independent layers are fetched concurrently,
// bounded by the client's concurrency limit, and cancellations abort
// outstanding transfers without promoting partial blobs into the cache.
func (c *Client) Pull(ctx context.Context, ref string, dst io.Writer, opts ...PullOption) error {
	cfg := pullConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	parsed, err := ParseReference(ref)
	if err != nil {
		return err
	}
	s := c.NewSession(parsed)
	s.cred = cfg.credential

	c.log().Info("pulling image", "ref", parsed.String(), "platform", cfg.platform)

	m, err := s.ImageManifest(ctx, cfg.platform)
	if err != nil {
		return err
	}
	configDesc, err := m.Config()
	if err != nil {
		return err
	}
	layers, err := m.Layers()
	if err != nil {
		return err
	}

	config, err := s.PullBlobBytes(ctx, configDesc.Digest)
	if err != nil {
		return fmt.Errorf("pull config: %w", err)
	}

	scratch, err := os.MkdirTemp("", "undocked-pull-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	staged, err := s.pullLayers(ctx, scratch, layers)
	if err != nil {
		return err
	}

	return archive.Pack(dst, parsed.String(), configDesc.Digest, config, staged)
}

// pullLayers downloads all layers into the scratch directory, preserving
// manifest order in the returned slice.
func (s *Session) pullLayers(ctx context.Context, scratch string, layers []ocispec.Descriptor) ([]archive.Layer, error) {
	staged := make([]archive.Layer, len(layers))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.client.concurrency)
	for i, desc := range layers {
		g.Go(func() error {
			path := filepath.Join(scratch, desc.Digest.Encoded()+".tar")
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := s.PullBlob(ctx, desc.Digest, f); err != nil {
				f.Close()
				return fmt.Errorf("pull layer %s: %w", shortDigest(desc.Digest), err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			staged[i] = archive.Layer{Digest: desc.Digest, Path: path}
			s.client.log().Info("pull complete", "layer", shortDigest(desc.Digest))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return staged, nil
}
