package registry

import (
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker Distribution media types. The OCI equivalents come from
// the image-spec module (ocispec.MediaTypeImageManifest and friends).
const (
	MediaTypeDockerManifestV1   = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerManifestV2   = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

	MediaTypeDockerImageConfig = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayerGzip   = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	mediaTypeOctetStream = "application/octet-stream"
)

// acceptManifest lists the media types offered for a single-architecture
// manifest request.
var acceptManifest = []string{
	MediaTypeDockerManifestV1,
	MediaTypeDockerManifestV2,
}

// acceptManifestByDigest is used when following a manifest list entry to its
// child manifest. Children of OCI indexes are OCI manifests, so that type is
// offered as well.
var acceptManifestByDigest = []string{
	MediaTypeDockerManifestV1,
	MediaTypeDockerManifestV2,
	ocispec.MediaTypeImageManifest,
}

// acceptManifestList additionally offers the fat manifest types.
var acceptManifestList = []string{
	MediaTypeDockerManifestV1,
	MediaTypeDockerManifestV2,
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}
