package repository

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBusyTimeout(t *testing.T) {
	t.Run("device store", func(t *testing.T) {
		db, err := NewDeviceDB(filepath.Join(t.TempDir(), "device.db"))
		require.NoError(t, err)
		defer db.Close()

		var timeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout)
	})

	t.Run("server store", func(t *testing.T) {
		db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "server.db"))
		require.NoError(t, err)
		defer db.Close()

		var timeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout)
	})
}
