package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry operations.
var (
	// ErrInvalidReference is returned when an image reference cannot be parsed.
	ErrInvalidReference = errors.New("registry: invalid reference")

	// ErrAuthentication is returned when a challenge is unparsable, the token
	// endpoint yields no usable token, or a refreshed token is rejected again.
	ErrAuthentication = errors.New("registry: authentication required")

	// ErrInvalidManifest is returned when a manifest body does not match its
	// declared schema.
	ErrInvalidManifest = errors.New("registry: invalid manifest")

	// ErrPlatformNotFound is returned when a manifest list has no entry for
	// the requested platform.
	ErrPlatformNotFound = errors.New("registry: platform not found")

	// ErrDigestMismatch is returned when downloaded content does not hash to
	// the digest it was requested under.
	ErrDigestMismatch = errors.New("registry: digest mismatch")

	// ErrUpload is returned when creating an upload session or committing an
	// upload fails.
	ErrUpload = errors.New("registry: upload failed")
)

// Error is a terminal registry response outside the expected status range.
// It carries the HTTP status and the raw response body.
type Error struct {
	Status int
	Body   []byte
}

func (e *Error) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("registry: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("registry: unexpected status %d: %s", e.Status, e.Body)
}

// statusError builds an *Error from a response.
func statusError(res *Result) error {
	return &Error{Status: res.Status, Body: res.Body}
}
