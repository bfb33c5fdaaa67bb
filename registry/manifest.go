package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest is a parsed registry manifest: either a single-architecture image
// manifest (Docker schema 2 or OCI) or a fat manifest (Docker manifest list
// or OCI index). The two shapes share field names, so both variants decode
// into the image-spec types; accessors enforce which variant is in hand so a
// malformed registry fails at this boundary rather than deep in a pull.
type Manifest struct {
	mediaType string
	raw       []byte

	image *ocispec.Manifest
	index *ocispec.Index
}

// parseManifest decodes raw into the variant indicated by mediaType. When
// the registry omits the media type, the body is sniffed: a fat manifest
// carries a manifests array.
func parseManifest(mediaType string, raw []byte) (*Manifest, error) {
	if mediaType == "" {
		var probe struct {
			MediaType string            `json:"mediaType"`
			Manifests []json.RawMessage `json:"manifests"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		mediaType = probe.MediaType
		if mediaType == "" {
			if probe.Manifests != nil {
				mediaType = MediaTypeDockerManifestList
			} else {
				mediaType = MediaTypeDockerManifestV2
			}
		}
	}

	m := &Manifest{mediaType: mediaType, raw: raw}
	switch mediaType {
	case MediaTypeDockerManifestList, ocispec.MediaTypeImageIndex:
		var idx ocispec.Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		m.index = &idx
	default:
		var img ocispec.Manifest
		if err := json.Unmarshal(raw, &img); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		m.image = &img
	}
	return m, nil
}

// MediaType returns the manifest's media type.
func (m *Manifest) MediaType() string {
	return m.mediaType
}

// Raw returns the manifest exactly as served (or as serialized for push).
// Pushing these bytes unchanged preserves the manifest digest.
func (m *Manifest) Raw() []byte {
	return m.raw
}

// Digest returns the content digest of the raw manifest bytes.
func (m *Manifest) Digest() digest.Digest {
	return digest.FromBytes(m.raw)
}

// IsIndex reports whether the manifest is a fat manifest.
func (m *Manifest) IsIndex() bool {
	return m.index != nil
}

// Config returns the config blob descriptor of a single-architecture
// manifest.
func (m *Manifest) Config() (ocispec.Descriptor, error) {
	if m.image == nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: fat manifest has no config", ErrInvalidManifest)
	}
	if m.image.Config.Digest == "" {
		return ocispec.Descriptor{}, fmt.Errorf("%w: manifest missing config digest", ErrInvalidManifest)
	}
	return m.image.Config, nil
}

// Layers returns the ordered layer descriptors of a single-architecture
// manifest. The order is the image's filesystem overlay order.
func (m *Manifest) Layers() ([]ocispec.Descriptor, error) {
	if m.image == nil {
		return nil, fmt.Errorf("%w: fat manifest has no layers", ErrInvalidManifest)
	}
	return m.image.Layers, nil
}

// Entries returns the per-platform child descriptors of a fat manifest.
func (m *Manifest) Entries() ([]ocispec.Descriptor, error) {
	if m.index == nil {
		return nil, fmt.Errorf("%w: not a manifest list", ErrInvalidManifest)
	}
	return m.index.Manifests, nil
}

// Platforms lists the platform strings available in a fat manifest.
func (m *Manifest) Platforms() ([]string, error) {
	entries, err := m.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, platformString(e.Platform))
	}
	return out, nil
}

// platformString renders a platform as os/architecture[/variant], the form
// users pass to select an entry from a manifest list.
func platformString(p *ocispec.Platform) string {
	if p == nil {
		return ""
	}
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

// GetManifest fetches the manifest for the session's tag. With wantFat the
// Accept header also offers the manifest list and OCI index types, letting
// multi-architecture registries return the fat manifest. The call follows
// the shared 401 discipline; any other non-200 status is terminal.
func (s *Session) GetManifest(ctx context.Context, wantFat bool) (*Result, error) {
	accept := acceptManifest
	if wantFat {
		accept = acceptManifestList
	}
	hdr := http.Header{"Accept": []string{strings.Join(accept, ", ")}}

	res, err := s.do(ctx, http.MethodGet, s.ref.manifestURL(s.ref.Tag), hdr, nil, false)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, statusError(res)
	}
	return res, nil
}

// manifestByDigest fetches a child manifest of a fat manifest.
func (s *Session) manifestByDigest(ctx context.Context, dgst digest.Digest) (*Result, error) {
	hdr := http.Header{"Accept": []string{strings.Join(acceptManifestByDigest, ", ")}}
	res, err := s.do(ctx, http.MethodGet, s.ref.manifestURL(dgst.String()), hdr, nil, false)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, statusError(res)
	}
	return res, nil
}

// PlatformEntry resolves a platform string (os/architecture[/variant]) to
// its child descriptor in the fat manifest via a linear scan for an exact
// match.
func (s *Session) PlatformEntry(ctx context.Context, platform string) (ocispec.Descriptor, error) {
	fat, err := s.cachedManifest(ctx, "fat", func(ctx context.Context) (*Manifest, error) {
		res, err := s.GetManifest(ctx, true)
		if err != nil {
			return nil, err
		}
		return parseManifest(res.Header.Get("Content-Type"), res.Body)
	})
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if !fat.IsIndex() {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s is not a multi-architecture image", ErrPlatformNotFound, s.ref)
	}

	entries, err := fat.Entries()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	for _, e := range entries {
		if platformString(e.Platform) == platform {
			return e, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("%w: no %s entry for %s", ErrPlatformNotFound, platform, s.ref)
}

// ImageManifest returns the single-architecture manifest for the session,
// resolving through the fat manifest when a platform is given. Results are
// memoized per (session, platform): concurrent callers share one round trip.
func (s *Session) ImageManifest(ctx context.Context, platform string) (*Manifest, error) {
	key := "platform\x00" + platform
	return s.cachedManifest(ctx, key, func(ctx context.Context) (*Manifest, error) {
		if platform == "" {
			res, err := s.GetManifest(ctx, false)
			if err != nil {
				return nil, err
			}
			return parseManifest(res.Header.Get("Content-Type"), res.Body)
		}

		entry, err := s.PlatformEntry(ctx, platform)
		if err != nil {
			return nil, err
		}
		res, err := s.manifestByDigest(ctx, entry.Digest)
		if err != nil {
			return nil, err
		}
		m, err := parseManifest(res.Header.Get("Content-Type"), res.Body)
		if err != nil {
			return nil, err
		}
		if m.IsIndex() {
			return nil, fmt.Errorf("%w: entry %s resolved to another manifest list", ErrInvalidManifest, entry.Digest)
		}
		return m, nil
	})
}
