package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  Reference
	}{
		{
			name:  "fully qualified hub reference",
			input: "index.docker.io/library/nginx",
			want:  Reference{Registry: "index.docker.io", Repository: "library/nginx", Tag: "latest", Secure: true},
		},
		{
			name:  "registry with namespace and tag",
			input: "gcr.io/distroless/cc:1.2.3",
			want:  Reference{Registry: "gcr.io", Repository: "distroless/cc", Tag: "1.2.3", Secure: true},
		},
		{
			name:  "bare image name",
			input: "alpine",
			want:  Reference{Registry: "index.docker.io", Repository: "library/alpine", Tag: "latest", Secure: true},
		},
		{
			name:  "bare image name with tag",
			input: "alpine:3.18",
			want:  Reference{Registry: "index.docker.io", Repository: "library/alpine", Tag: "3.18", Secure: true},
		},
		{
			name:  "hub namespace shorthand",
			input: "bitnami/postgres",
			want:  Reference{Registry: "index.docker.io", Repository: "bitnami/postgres", Tag: "latest", Secure: true},
		},
		{
			name:  "host with port is not shorthand",
			input: "localhost:5000/my/image:tag",
			want:  Reference{Registry: "localhost:5000", Repository: "my/image", Tag: "tag", Secure: true},
		},
		{
			name:  "single segment under host with port",
			input: "localhost:5000/alpine:latest",
			want:  Reference{Registry: "localhost:5000", Repository: "alpine", Tag: "latest", Secure: true},
		},
		{
			name:  "docker.io defaults to library namespace",
			input: "docker.io/nginx",
			want:  Reference{Registry: "docker.io", Repository: "library/nginx", Tag: "latest", Secure: true},
		},
		{
			name:  "http scheme selects insecure transport",
			input: "http://localhost:5000/img:v1",
			want:  Reference{Registry: "localhost:5000", Repository: "img", Tag: "v1", Secure: false},
		},
		{
			name:  "https scheme is the default transport",
			input: "https://registry.example.com/ns/img",
			want:  Reference{Registry: "registry.example.com", Repository: "ns/img", Tag: "latest", Secure: true},
		},
		{
			name:  "domain first segment is a registry",
			input: "myregistry.com/alpine:edge",
			want:  Reference{Registry: "myregistry.com", Repository: "alpine", Tag: "edge", Secure: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseReference(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseReferenceErrors(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "ftp://example.com/repo"} {
		_, err := ParseReference(input)
		assert.ErrorIs(t, err, ErrInvalidReference, "input %q", input)
	}
}

func TestReferenceString(t *testing.T) {
	t.Parallel()

	ref, err := ParseReference("gcr.io/distroless/cc:1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "gcr.io/distroless/cc:1.2.3", ref.String())
}

func TestReferenceURLs(t *testing.T) {
	t.Parallel()

	ref := Reference{Registry: "registry.example.com", Repository: "ns/img", Tag: "v1", Secure: true}
	assert.Equal(t, "https://registry.example.com/v2/ns/img/manifests/v1", ref.manifestURL(ref.Tag))
	assert.Equal(t, "https://registry.example.com/v2/ns/img/blobs", ref.blobsURL())

	insecure := Reference{Registry: "localhost:5000", Repository: "img", Tag: "v1", Secure: false}
	assert.Equal(t, "http://localhost:5000/v2/img/blobs", insecure.blobsURL())
}
