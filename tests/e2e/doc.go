//go:build e2e

// Package e2e contains full-fleet integration tests: a real master,
// real agents and the admin HTTP API wired together over loopback TCP.
// These tests require the "e2e" build tag:
//
//	go test -tags=e2e ./tests/e2e/ -v -timeout 5m
package e2e
