//go:build !integration

package testutil

import "testing"

func startPostgres(t *testing.T) string {
	t.Helper()
	t.Skip("POSTGRES_URL not set, skipping integration test (use -tags integration to start a container)")
	return ""
}
