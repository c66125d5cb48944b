package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

func openTestDB(t *testing.T, dir string) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	return db
}

func TestSchemaVersion(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()

	v, err := db.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), v)
}

func TestAutoStartFlags(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	custom := tunnel.Key{Source: tunnel.SourceCustom, ID: 4}
	require.NoError(t, db.SetAutoStart(tunnel.APIKey(9), true))
	require.NoError(t, db.SetAutoStart(tunnel.APIKey(2), true))
	require.NoError(t, db.SetAutoStart(custom, true))

	on, err := db.AutoStart(tunnel.APIKey(9))
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, db.SetAutoStart(tunnel.APIKey(9), false))
	on, err = db.AutoStart(tunnel.APIKey(9))
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, db.Close())

	db = openTestDB(t, dir)
	defer db.Close()
	keys, err := db.ListAutoStart()
	require.NoError(t, err)
	assert.Equal(t, []tunnel.Key{tunnel.APIKey(2), custom}, keys)
}

func TestListAutoStartSkipsGarbage(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()

	require.NoError(t, db.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(AutoStartBucket))
		if err := b.Put([]byte("bogus"), []byte(`{"enabled":true}`)); err != nil {
			return err
		}
		return b.Put([]byte("api_5"), []byte("not json"))
	}))
	require.NoError(t, db.SetAutoStart(tunnel.APIKey(1), true))

	keys, err := db.ListAutoStart()
	require.NoError(t, err)
	assert.Equal(t, []tunnel.Key{tunnel.APIKey(1)}, keys)
}

func TestGuardPreference(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()

	_, found, err := db.GuardEnabled()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.SetGuardEnabled(true))
	enabled, found, err := db.GuardEnabled()
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, enabled)
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	defer db.Close()
	require.NoError(t, db.SetAutoStart(tunnel.APIKey(1), true))

	backupDir := t.TempDir()
	require.NoError(t, db.Backup(filepath.Join(backupDir, DBFileName)))

	restored := openTestDB(t, backupDir)
	defer restored.Close()
	keys, err := restored.ListAutoStart()
	require.NoError(t, err)
	assert.Equal(t, []tunnel.Key{tunnel.APIKey(1)}, keys)
}
