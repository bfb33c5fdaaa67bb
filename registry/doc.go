// Package registry implements a client for the Docker Distribution v2 / OCI
// registry HTTP API.
//
// It covers the protocol end to end without a container daemon: reference
// parsing, bearer-token negotiation, manifest resolution (including
// multi-architecture manifest lists), content-addressable blob transfer with
// a local cache, and pull/push of images as portable tar archives.
package registry
