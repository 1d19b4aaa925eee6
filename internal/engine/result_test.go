package engine

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildResultEmpty(t *testing.T) {
	res, err := BuildResult([]string{"id", "name"}, nil, 0, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "[]", res.DataJSON)
	assert.Equal(t, 0, res.RowCount)
	assert.Equal(t, 2, res.ColumnCount)
}

func TestBuildResultRows(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	res, err := BuildResult(
		[]string{"id", "name", "created"},
		[][]any{
			{int64(1), []byte("alpha"), ts},
			{int64(2), "beta", nil},
		}, 0, time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowCount)
	assert.JSONEq(t, `[
		{"id":1,"name":"alpha","created":"2026-03-14T09:26:53Z"},
		{"id":2,"name":"beta","created":null}
	]`, res.DataJSON)
}

func TestFailedResult(t *testing.T) {
	res := FailedResult(errors.New("relation does not exist"), time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, "relation does not exist", res.ErrorMessage)
	assert.Equal(t, "[]", res.DataJSON)

	res = FailedResult(nil, 0)
	assert.Equal(t, "unknown error", res.ErrorMessage)
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT 1", true},
		{"  select * from t", true},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", true},
		{"VALUES (1)", true},
		{"PRAGMA table_info(t)", true},
		{"EXPLAIN SELECT 1", true},
		{"SHOW TABLES", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET a = 1", false},
		{"DELETE FROM t", false},
		{"CREATE TABLE t(a INT)", false},
		{"", false},
		{"(SELECT 1)", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReturnsRows(tt.sql), tt.sql)
	}
}

func TestStatementName(t *testing.T) {
	a := StatementName("SELECT 1")
	b := StatementName("SELECT 1")
	c := StatementName("SELECT 2")

	assert.Equal(t, a, b, "stable for identical SQL")
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^stmt_[0-9a-f]{16}$`, a)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register(nil))

	e := NewSQLEngine(Dialect{Type: SQLite, DriverName: "sqlite"})
	require.NoError(t, r.Register(e))
	require.Error(t, r.Register(e), "duplicate type")

	got, err := r.Get(SQLite)
	require.NoError(t, err)
	assert.Same(t, e, got)

	_, err = r.Get(Postgres)
	require.Error(t, err)

	byName, err := r.ByName("sqlite")
	require.NoError(t, err)
	assert.Same(t, e, byName)

	_, err = r.ByName("oracle")
	require.Error(t, err)
}

func TestParseTypeAndIsolation(t *testing.T) {
	typ, ok := ParseType("postgres")
	require.True(t, ok)
	assert.Equal(t, Postgres, typ)

	_, ok = ParseType("mssql")
	assert.False(t, ok)

	assert.Equal(t, "READ COMMITTED", ReadCommitted.SQL())
	assert.Equal(t, "SERIALIZABLE", Serializable.SQL())
	assert.Equal(t, "READ UNCOMMITTED", ReadUncommitted.SQL())
	assert.Equal(t, "REPEATABLE READ", RepeatableRead.SQL())

	assert.Equal(t, sql.LevelReadCommitted, ReadCommitted.Std())
	assert.Equal(t, sql.LevelSerializable, Serializable.Std())
	assert.Equal(t, sql.LevelReadUncommitted, ReadUncommitted.Std())
	assert.Equal(t, sql.LevelRepeatableRead, RepeatableRead.Std())
}

func TestRecordHealth(t *testing.T) {
	h := &DatabaseHandle{Engine: Postgres, ConsecutiveFailures: 2}

	h.RecordHealth(false)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, 3, h.FailureCount())
	assert.Equal(t, StatusError, h.Status)

	h.RecordHealth(true)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, StatusConnected, h.Status)
	assert.False(t, h.LastHealthCheck.IsZero())
}
