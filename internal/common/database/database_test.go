package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConnectionString(t *testing.T) {
	s := CreateConnectionString(map[string]string{
		"host":     "localhost",
		"password": `it's\secret`,
		"dbname":   "repoindex",
	})
	assert.Equal(t, `dbname='repoindex' host='localhost' password='it\'s\\secret'`, s)
}

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_second.sql": {Data: []byte("CREATE INDEX b;")},
		"migrations/001_first.sql":  {Data: []byte("CREATE TABLE a;")},
		"migrations/README.md":      {Data: []byte("docs")},
	}
	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, NewMigration(1, "001_first.sql", "CREATE TABLE a;"), migrations[0])
	assert.Equal(t, NewMigration(2, "002_second.sql", "CREATE INDEX b;"), migrations[1])
}

func TestReadMigrations_BadName(t *testing.T) {
	fsys := fstest.MapFS{"m/first.sql": {Data: []byte("SELECT 1;")}}
	_, err := ReadMigrations(fsys, "m")
	assert.Error(t, err)
}
