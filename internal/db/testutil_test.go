package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestStore opens a migrated store under t.TempDir.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "patternd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
