//go:build integration

// Package integration provides integration tests for the registry client.
//
// These tests require Docker and spin up a real Docker registry using
// testcontainers. Run with: go test -tags=integration ./integration/...
package integration
