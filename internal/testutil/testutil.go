// Package testutil starts shared database containers for integration tests.
//
// Each container is started at most once per test binary and reused by every
// test that asks for it. Containers are reaped by Ryuk when the binary exits.
package testutil

import "testing"

func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

// requireContainer skips the test when the container could not be started,
// which in practice means Docker is unavailable.
func requireContainer(t *testing.T, name string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", name, err)
	}
}
