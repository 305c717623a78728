package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestStore creates a test database in a temporary directory.
// The database is closed when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
