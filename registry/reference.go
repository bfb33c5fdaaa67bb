package registry

import (
	"fmt"
	"strings"
)

// dockerHub is the registry images resolve to when the reference carries no
// registry host, mirroring the Docker CLI shorthand convention.
const dockerHub = "index.docker.io"

// Reference identifies an image within a registry.
//
// Repository never has a leading or trailing slash and Tag defaults to
// "latest". References are immutable after construction.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Secure     bool
}

// String renders the reference as registry/repository:tag.
func (r Reference) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// scheme returns the URL scheme matching the reference's security mode.
func (r Reference) scheme() string {
	if r.Secure {
		return "https"
	}
	return "http"
}

// manifestURL returns the manifests endpoint for the given tag or digest.
func (r Reference) manifestURL(reference string) string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", r.scheme(), r.Registry, r.Repository, reference)
}

// blobsURL returns the blobs endpoint root, without a trailing slash.
func (r Reference) blobsURL() string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs", r.scheme(), r.Registry, r.Repository)
}

// baseURL returns the API root used for the auth probe.
func (r Reference) baseURL() string {
	return fmt.Sprintf("%s://%s/v2/", r.scheme(), r.Registry)
}

// ParseReference parses a user-supplied image string into a Reference.
//
// The grammar follows the Docker CLI shorthand convention: "alpine",
// "bitnami/postgres", "localhost:5000/x", and "gcr.io/ns/img:tag" all
// resolve the way docker pull would resolve them. A scheme prefix
// ("http://" or "https://") selects plain or TLS transport; the default
// is TLS.
func ParseReference(text string) (Reference, error) {
	scheme := "https"
	rest := text
	if scheme2, remainder, ok := strings.Cut(text, "://"); ok {
		if scheme2 != "http" && scheme2 != "https" {
			return Reference{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidReference, scheme2)
		}
		scheme = scheme2
		rest = remainder
		// An explicit scheme always implies an explicit registry host.
	}
	if rest == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	var registryHost, repo string
	if isHubShorthand(text, rest) {
		registryHost = dockerHub
		repo = rest
		if !strings.Contains(repo, "/") {
			repo = "library/" + repo
		}
	} else {
		var ok bool
		registryHost, repo, ok = strings.Cut(rest, "/")
		if !ok {
			return Reference{}, fmt.Errorf("%w: missing repository in %q", ErrInvalidReference, text)
		}
		if strings.Contains(registryHost, "docker.io") && !strings.Contains(repo, "/") {
			// Fully-qualified Hub references still default to the library
			// namespace: docker.io/nginx means docker.io/library/nginx.
			repo = "library/" + repo
		}
	}

	tag := "latest"
	if i := strings.LastIndex(repo, ":"); i >= 0 {
		repo, tag = repo[:i], repo[i+1:]
	}
	repo = strings.Trim(repo, "/")

	return Reference{
		Registry:   registryHost,
		Repository: repo,
		Tag:        tag,
		Secure:     scheme == "https",
	}, nil
}

// isHubShorthand reports whether rest names a Docker Hub image without a
// registry host. A single path segment is always shorthand; two segments are
// shorthand only when the first cannot be a host (no "." domain marker and
// no ":" port marker, e.g. "bitnami/postgres" but not "localhost:5000/x").
func isHubShorthand(original, rest string) bool {
	if strings.Contains(original, "://") {
		return false
	}
	switch strings.Count(rest, "/") {
	case 0:
		return true
	case 1:
		first := rest[:strings.Index(rest, "/")]
		return !strings.Contains(first, ".") && !strings.Contains(first, ":")
	default:
		return false
	}
}
