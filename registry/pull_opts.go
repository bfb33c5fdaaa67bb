package registry

import "github.com/undocked/undocked/credentials"

// PullOption configures a Pull operation.
type PullOption func(*pullConfig)

type pullConfig struct {
	platform   string
	credential credentials.Credential
}

// WithPlatform selects an entry from a multi-architecture image by its
// os/architecture[/variant] string, e.g. "linux/arm64/v8". Without it the
// registry's default manifest is pulled.
func WithPlatform(platform string) PullOption {
	return func(cfg *pullConfig) {
		cfg.platform = platform
	}
}

// WithPullCredential supplies an explicit credential for this pull,
// bypassing the client's credential store.
func WithPullCredential(cred credentials.Credential) PullOption {
	return func(cfg *pullConfig) {
		cfg.credential = cred
	}
}
