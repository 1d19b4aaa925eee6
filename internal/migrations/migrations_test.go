package migrations

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]string

func (m mapSource) Files(context.Context) (map[string]string, error) { return m, nil }

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name      string
		wantID    int
		wantBase  string
		reverse   bool
		wantMatch bool
	}{
		{"0001_create_tables.sql", 1, "create_tables", false, true},
		{"0001_create_tables_reverse.sql", 1, "create_tables", true, true},
		{"0042_add_index.sql", 42, "add_index", false, true},
		{"001_short_prefix.sql", 0, "", false, false},
		{"0001_create_tables.txt", 0, "", false, false},
		{"README.md", 0, "", false, false},
		{"bootstrap.sql", 0, "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, base, rev, ok := parseFileName(tt.name)
			assert.Equal(t, tt.wantMatch, ok)
			if !tt.wantMatch {
				return
			}
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantBase, base)
			assert.Equal(t, tt.reverse, rev)
		})
	}
}

func TestLoadPairsAndOrders(t *testing.T) {
	src := mapSource{
		"0003_add_index.sql":             "CREATE INDEX idx ON t(a)",
		"0001_create_tables.sql":         "CREATE TABLE t(a INT)",
		"0001_create_tables_reverse.sql": "DROP TABLE t",
		"0002_seed.sql":                  "INSERT INTO t VALUES (1)",
		"notes.txt":                      "ignored",
	}

	set, err := Load(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
	assert.Equal(t, 3, set.LatestID())

	ids := make([]int, 0, set.Len())
	for _, m := range set.All() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)

	first, ok := set.Get(1)
	require.True(t, ok)
	assert.Equal(t, "create_tables", first.Name)
	assert.True(t, first.HasReverse())
	assert.Equal(t, "DROP TABLE t", first.Reverse)

	second, ok := set.Get(2)
	require.True(t, ok)
	assert.False(t, second.HasReverse())

	after := set.After(1)
	require.Len(t, after, 2)
	assert.Equal(t, 2, after[0].ID)
	assert.Empty(t, set.After(3))
}

func TestLoadRejectsBadSets(t *testing.T) {
	_, err := Load(context.Background(), mapSource{
		"0001_orphan_reverse.sql": "DROP TABLE t",
	})
	require.Error(t, err, "reverse without forward")

	_, err = Load(context.Background(), mapSource{
		"0001_first.sql":  "SELECT 1",
		"0001_second.sql": "SELECT 2",
	})
	require.Error(t, err, "duplicate id")

	_, err = Load(context.Background(), nil)
	require.Error(t, err)
}

func TestSplitStatements(t *testing.T) {
	script := "CREATE TABLE a(x INT);\n-- SUBQUERY DELIMITER\nCREATE TABLE b(y INT);\n-- SUBQUERY DELIMITER\n\n"
	stmts := SplitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a(x INT);", stmts[0])
	assert.Equal(t, "CREATE TABLE b(y INT);", stmts[1])

	assert.Equal(t, []string{"SELECT 1"}, SplitStatements("SELECT 1"))
	assert.Empty(t, SplitStatements(""))
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_init.sql"), []byte("CREATE TABLE t(a INT)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_init_reverse.sql"), []byte("DROP TABLE t"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	src, err := NewDirSource(dir)
	require.NoError(t, err)

	files, err := src.Files(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, "CREATE TABLE t(a INT)", files["0001_init.sql"])

	set, err := Load(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())

	_, err = NewDirSource(filepath.Join(dir, "missing"))
	require.Error(t, err)

	_, err = NewDirSource(filepath.Join(dir, "0001_init.sql"))
	require.Error(t, err, "file is not a directory")
}

func TestParseObjectLocation(t *testing.T) {
	bucket, prefix, ok := ParseObjectLocation("minio://schemas/acme/migrations")
	require.True(t, ok)
	assert.Equal(t, "schemas", bucket)
	assert.Equal(t, "acme/migrations", prefix)

	bucket, prefix, ok = ParseObjectLocation("minio://schemas")
	require.True(t, ok)
	assert.Equal(t, "schemas", bucket)
	assert.Empty(t, prefix)

	_, _, ok = ParseObjectLocation("/var/lib/sluice/migrations")
	assert.False(t, ok)

	_, _, ok = ParseObjectLocation("minio://")
	assert.False(t, ok)
}
