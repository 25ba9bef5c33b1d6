package testsupport

import (
	"testing"

	"speechtune/internal/config"
	"speechtune/internal/runs"
)

// MustOpenRuns opens the run ledger for tests and registers cleanup.
func MustOpenRuns(t testing.TB, cfg *config.Config) *runs.Store {
	t.Helper()

	store, err := runs.Open(cfg)
	if err != nil {
		t.Fatalf("runs.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
