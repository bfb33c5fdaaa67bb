package registry

import "github.com/undocked/undocked/credentials"

// PushOption configures a Push operation.
type PushOption func(*pushConfig)

type pushConfig struct {
	force      bool
	credential credentials.Credential
}

// WithForce uploads blobs even when the registry reports they already
// exist.
func WithForce() PushOption {
	return func(cfg *pushConfig) {
		cfg.force = true
	}
}

// WithPushCredential supplies an explicit credential for this push,
// bypassing the client's credential store.
func WithPushCredential(cred credentials.Credential) PushOption {
	return func(cfg *pushConfig) {
		cfg.credential = cred
	}
}
