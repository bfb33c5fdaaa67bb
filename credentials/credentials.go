// Package credentials defines the credential store boundary used by the
// registry client, with a Docker config.json backed implementation.
package credentials

import (
	"context"
	"encoding/base64"

	"oras.land/oras-go/v2/registry/remote/auth"
	orascreds "oras.land/oras-go/v2/registry/remote/credentials"
)

// dockerHubServerAddress is the legacy server address Docker Hub credentials
// are stored under in config.json.
const dockerHubServerAddress = "https://index.docker.io/v1/"

// Credential is a username/password pair or a pre-encoded base64 token for
// one registry. The zero value means anonymous.
type Credential struct {
	Username string
	Password string
	// Token is base64(username:password) as stored in Docker config files.
	// It takes effect only when Username is empty.
	Token string
}

// IsZero reports whether the credential is anonymous.
func (c Credential) IsZero() bool {
	return c.Username == "" && c.Password == "" && c.Token == ""
}

// Basic returns the value for a basic Authorization header, without the
// "Basic " prefix. Empty for anonymous credentials.
func (c Credential) Basic() string {
	if c.Username != "" {
		return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	}
	return c.Token
}

// Identity returns a stable cache key component for the credential. The raw
// password is not used directly; the encoded form is equivalent and already
// what goes on the wire.
func (c Credential) Identity() string {
	return c.Basic()
}

// Store resolves and persists credentials per registry host.
type Store interface {
	// Get returns the credential for a registry, or a zero Credential when
	// none is stored.
	Get(ctx context.Context, registry string) (Credential, error)

	// Save persists a username/password for a registry.
	Save(ctx context.Context, registry, username, password string) error
}

// Static is an in-memory Store keyed by registry host.
type Static map[string]Credential

func (s Static) Get(_ context.Context, registry string) (Credential, error) {
	return s[registry], nil
}

func (s Static) Save(_ context.Context, registry, username, password string) error {
	s[registry] = Credential{Username: username, Password: password}
	return nil
}

// dockerStore adapts an ORAS credential store, which reads and writes the
// standard Docker config.json (including credential helpers).
type dockerStore struct {
	store orascreds.Store
}

// NewDockerStore returns a Store backed by ~/.docker/config.json.
func NewDockerStore() (Store, error) {
	st, err := orascreds.NewStoreFromDocker(orascreds.StoreOptions{
		AllowPlaintextPut: true,
	})
	if err != nil {
		return nil, err
	}
	return &dockerStore{store: st}, nil
}

func (d *dockerStore) Get(ctx context.Context, registry string) (Credential, error) {
	cred, err := d.store.Get(ctx, serverAddress(registry))
	if err != nil {
		return Credential{}, err
	}
	return Credential{Username: cred.Username, Password: cred.Password}, nil
}

func (d *dockerStore) Save(ctx context.Context, registry, username, password string) error {
	return d.store.Put(ctx, serverAddress(registry), auth.Credential{
		Username: username,
		Password: password,
	})
}

// serverAddress maps a registry host to the key Docker config files store it
// under. Docker Hub uses its legacy v1 endpoint address.
func serverAddress(registry string) string {
	if registry == "index.docker.io" || registry == "docker.io" || registry == "registry-1.docker.io" {
		return dockerHubServerAddress
	}
	return registry
}
