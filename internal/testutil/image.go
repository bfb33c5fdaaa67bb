package testutil

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// GzipLayer builds a realistic layer blob: a gzip-compressed tar holding a
// single file.
func GzipLayer(name string, content []byte) []byte {
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

// Image is a complete single-architecture fixture image seeded into a fake
// registry.
type Image struct {
	ManifestDigest digest.Digest
	ConfigDigest   digest.Digest
	Config         []byte
	LayerDigests   []digest.Digest
	Layers         [][]byte
}

// SeedImage stores a config and layers as blobs plus a schema-2 manifest
// under the given tag.
func SeedImage(r *Registry, repo, tag string, layers ...[]byte) *Image {
	if len(layers) == 0 {
		layers = [][]byte{GzipLayer("etc/motd", []byte("fixture layer\n"))}
	}

	config := []byte(`{"architecture":"amd64","os":"linux","rootfs":{"type":"layers"}}`)
	img := &Image{
		Config:       config,
		ConfigDigest: r.SetBlob(config),
	}

	descs := make([]ocispec.Descriptor, 0, len(layers))
	for _, layer := range layers {
		dgst := r.SetBlob(layer)
		img.Layers = append(img.Layers, layer)
		img.LayerDigests = append(img.LayerDigests, dgst)
		descs = append(descs, ocispec.Descriptor{
			MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip",
			Digest:    dgst,
			Size:      int64(len(layer)),
		})
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: "application/vnd.docker.distribution.manifest.v2+json",
		Config: ocispec.Descriptor{
			MediaType: "application/vnd.docker.container.image.v1+json",
			Digest:    img.ConfigDigest,
			Size:      int64(len(config)),
		},
		Layers: descs,
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		panic(err)
	}
	img.ManifestDigest = r.SetManifest(repo, tag, manifest.MediaType, raw)
	return img
}

// SeedIndex stores a manifest list pointing at child manifests for the given
// platforms. Each child is seeded as a full image; the returned map is keyed
// by platform string.
func SeedIndex(r *Registry, repo, tag string, platforms ...string) map[string]*Image {
	images := make(map[string]*Image, len(platforms))
	entries := make([]ocispec.Descriptor, 0, len(platforms))

	for _, platform := range platforms {
		// Distinct layer content per platform so the child manifests get
		// distinct digests.
		img := SeedImage(r, repo, "child-"+strings.ReplaceAll(platform, "/", "-"),
			GzipLayer("etc/platform", []byte(platform+"\n")))
		images[platform] = img

		body, _, _ := r.Manifest(repo, img.ManifestDigest.String())
		entries = append(entries, ocispec.Descriptor{
			MediaType: "application/vnd.docker.distribution.manifest.v2+json",
			Digest:    img.ManifestDigest,
			Size:      int64(len(body)),
			Platform:  parsePlatform(platform),
		})
	}

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: "application/vnd.docker.distribution.manifest.list.v2+json",
		Manifests: entries,
	}
	raw, err := json.Marshal(index)
	if err != nil {
		panic(err)
	}
	r.SetManifest(repo, tag, index.MediaType, raw)
	return images
}

func parsePlatform(s string) *ocispec.Platform {
	parts := strings.SplitN(s, "/", 3)
	p := &ocispec.Platform{OS: parts[0]}
	if len(parts) > 1 {
		p.Architecture = parts[1]
	}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p
}
