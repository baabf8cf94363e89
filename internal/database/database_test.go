package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(Config{Path: filepath.Join(t.TempDir(), "geofence.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrate_CreatesSchemaOnce(t *testing.T) {
	conn := openTemp(t)
	ctx := context.Background()

	mgr := NewMigrationManager(conn, Migrations(), nil)
	n, err := mgr.RunMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = mgr.RunMigrations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, table := range []string{"zones", "zone_transitions", "migrations"} {
		var name string
		err := conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestLoadMigrations_OrderAndNames(t *testing.T) {
	src := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 1;")},
		"002_second.sql": {Data: []byte("SELECT 1;")},
		"notes.txt":      {Data: []byte("ignored")},
		"bogus.sql":      {Data: []byte("ignored")},
	}
	migrations, err := NewMigrationManager(nil, src, nil).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 2, migrations[0].Version)
	assert.Equal(t, "002_second", migrations[0].Name)
	assert.Equal(t, 10, migrations[1].Version)
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := NewMigrationManager(nil, src, nil).LoadMigrations()
	assert.Error(t, err)
}

func TestApplyMigration_RollsBackOnError(t *testing.T) {
	conn := openTemp(t)
	ctx := context.Background()
	mgr := NewMigrationManager(conn, fstest.MapFS{}, nil)
	require.NoError(t, mgr.InitMigrationsTable(ctx))

	err := mgr.ApplyMigration(ctx, Migration{Version: 7, Name: "007_broken", SQL: "CREATE TABLE broken (;"})
	require.Error(t, err)

	applied, err := mgr.GetAppliedMigrations(ctx)
	require.NoError(t, err)
	assert.False(t, applied[7])
}

func TestWithTx(t *testing.T) {
	conn := openTemp(t)
	ctx := context.Background()
	_, err := conn.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTx(ctx, conn, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO kv VALUES ('a', '1')"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count))
	assert.Zero(t, count)

	require.NoError(t, WithTx(ctx, conn, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO kv VALUES ('a', '1')")
		return err
	}))
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count))
	assert.Equal(t, 1, count)
}
