package dbqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/Sluice/internal/config"
	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/migrations"
)

type mapSource map[string]string

func (m mapSource) Files(context.Context) (map[string]string, error) { return m, nil }

const twoStatementScript = "CREATE TABLE a(x INT);\n" +
	"-- SUBQUERY DELIMITER\n" +
	"CREATE TABLE b(y INT);"

func leadWithMigrations(t *testing.T, eng *fakeEngine, files mapSource) *Queue {
	t.Helper()
	q, _ := testLead(t, eng, Options{})
	require.NoError(t, q.LoadMigrations(context.Background(), files))
	return q
}

func TestApplySingleMigration(t *testing.T) {
	eng := newFakeEngine()
	q := leadWithMigrations(t, eng, mapSource{
		"0001_split.sql": twoStatementScript,
	})

	require.NoError(t, q.ApplySingleMigration(context.Background(), 1))

	assert.Equal(t, 1, q.LatestApplied())
	assert.Equal(t, 1, eng.begun)
	assert.Equal(t, 1, eng.committed)
	assert.Equal(t, 0, eng.rolledBack)
	assert.Equal(t, []string{"CREATE TABLE a(x INT);", "CREATE TABLE b(y INT);"}, eng.executedSQL())
}

func TestMigrationBlocksQueueTraffic(t *testing.T) {
	eng := newFakeEngine()
	stmt1Started := make(chan struct{})
	release := make(chan struct{})
	eng.execHook = func(sql string) {
		if sql == "CREATE TABLE a(x INT);" {
			close(stmt1Started)
			<-release
		}
	}
	q := leadWithMigrations(t, eng, mapSource{
		"0001_split.sql": twoStatementScript,
	})
	pm := q.pending

	done := make(chan error, 1)
	go func() { done <- q.ApplySingleMigration(context.Background(), 1) }()
	<-stmt1Started

	// The migration transaction is open and stalled on its first
	// statement; a request arriving now must wait for the commit.
	entry, err := pm.Register("intruder", 10)
	require.NoError(t, err)
	require.True(t, q.Enqueue(&engine.QueryRequest{QueryID: "intruder", SQLTemplate: "INSERT INTO a VALUES (1)"}))
	assert.False(t, pm.IsCompleted("intruder"), "request held back while the transaction is open")

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, entry.Wait())

	assert.Equal(t, []string{
		"CREATE TABLE a(x INT);",
		"CREATE TABLE b(y INT);",
		"INSERT INTO a VALUES (1)",
	}, eng.executedSQL(), "the request ran after the migration, not inside it")
	assert.Equal(t, 1, eng.begun)
	assert.Equal(t, 1, eng.committed)
}

func TestMigrationSecondStatementFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.failSQL["CREATE TABLE b(y INT);"] = true
	q := leadWithMigrations(t, eng, mapSource{
		"0001_split.sql": twoStatementScript,
	})

	err := q.ApplySingleMigration(context.Background(), 1)
	require.Error(t, err)

	assert.Equal(t, 0, q.LatestApplied(), "applied version unchanged on failure")
	assert.Equal(t, 1, eng.rolledBack, "rollback attempted")
	assert.Equal(t, 0, eng.committed)
}

func TestMigrationRollbackFailureStillFails(t *testing.T) {
	eng := newFakeEngine()
	eng.failSQL["CREATE TABLE b(y INT);"] = true
	eng.rollbackErr = errors.New("rollback refused")
	q := leadWithMigrations(t, eng, mapSource{
		"0001_split.sql": twoStatementScript,
	})

	err := q.ApplySingleMigration(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement 2", "statement failure is the reported error")
	assert.Equal(t, 0, q.LatestApplied())
}

func TestMigrationCommitFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.commitErr = errors.New("commit refused")
	q := leadWithMigrations(t, eng, mapSource{
		"0001_one.sql": "CREATE TABLE a(x INT)",
	})

	err := q.ApplySingleMigration(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 0, q.LatestApplied(), "version advances only on successful commit")
}

func TestApplyMissingMigration(t *testing.T) {
	q := leadWithMigrations(t, newFakeEngine(), mapSource{
		"0001_one.sql": "SELECT 1",
	})
	require.Error(t, q.ApplySingleMigration(context.Background(), 7))

	bare, _ := testLead(t, newFakeEngine(), Options{})
	require.Error(t, bare.ApplySingleMigration(context.Background(), 1), "no set loaded")
}

func TestApplyPendingStopsAtFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.failSQL["BROKEN"] = true
	q := leadWithMigrations(t, eng, mapSource{
		"0001_a.sql": "CREATE TABLE a(x INT)",
		"0002_b.sql": "BROKEN",
		"0003_c.sql": "CREATE TABLE c(x INT)",
	})

	applied, err := q.ApplyPending(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, q.LatestApplied())
	assert.NotContains(t, eng.executedSQL(), "CREATE TABLE c(x INT)")
}

func TestApplyPendingSkipsAlreadyApplied(t *testing.T) {
	eng := newFakeEngine()
	q := leadWithMigrations(t, eng, mapSource{
		"0001_a.sql": "CREATE TABLE a(x INT)",
		"0002_b.sql": "CREATE TABLE b(x INT)",
	})
	q.SetLatestApplied(1)

	applied, err := q.ApplyPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 2, q.LatestApplied())
	assert.Equal(t, []string{"CREATE TABLE b(x INT)"}, eng.executedSQL())
}

func TestApplySingleReverseMigration(t *testing.T) {
	eng := newFakeEngine()
	q := leadWithMigrations(t, eng, mapSource{
		"0001_a.sql":         "CREATE TABLE a(x INT)",
		"0001_a_reverse.sql": "DROP TABLE a",
		"0002_b.sql":         "CREATE TABLE b(x INT)",
	})
	q.SetLatestApplied(1)

	require.NoError(t, q.ApplySingleReverseMigration(context.Background(), 1))
	assert.Equal(t, 0, q.LatestApplied())
	assert.Contains(t, eng.executedSQL(), "DROP TABLE a")

	require.Error(t, q.ApplySingleReverseMigration(context.Background(), 2), "no reverse script")
}

func TestRunBootstrap(t *testing.T) {
	eng := newFakeEngine()
	q, _ := testLead(t, eng, Options{BootstrapQuery: "SELECT version FROM schema_state"})

	require.NoError(t, q.RunBootstrap(context.Background()))
	assert.Contains(t, eng.executedSQL(), "SELECT version FROM schema_state")

	noQuery, _ := testLead(t, newFakeEngine(), Options{})
	require.NoError(t, noQuery.RunBootstrap(context.Background()), "no bootstrap query is a no-op")
}

func TestRunBootstrapFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.failSQL["SELECT boom"] = true
	q, _ := testLead(t, eng, Options{BootstrapQuery: "SELECT boom"})
	require.Error(t, q.RunBootstrap(context.Background()))
}

func TestAutoMigrationEnabled(t *testing.T) {
	q, _ := testLead(t, newFakeEngine(), Options{})

	assert.False(t, q.AutoMigrationEnabled(nil))

	cfg := &config.Config{Databases: []config.Database{
		{Name: "other", AutoMigration: true},
	}}
	assert.False(t, q.AutoMigrationEnabled(cfg), "no matching database")

	cfg.Databases = append(cfg.Databases, config.Database{Name: "testdb", AutoMigration: true})
	assert.True(t, q.AutoMigrationEnabled(cfg))

	cfg.Databases[1].AutoMigration = false
	assert.False(t, q.AutoMigrationEnabled(cfg))
}

func TestLoadMigrationsFromSet(t *testing.T) {
	set, err := migrations.Load(context.Background(), mapSource{
		"0001_a.sql": "SELECT 1",
	})
	require.NoError(t, err)

	child, _ := testLead(t, newFakeEngine(), Options{MaxChildQueues: 1})
	worker, err := child.SpawnChild(context.Background(), RoleSlow)
	require.NoError(t, err)
	require.Error(t, worker.SetMigrations(set), "only lead queues hold migration state")
	require.NoError(t, child.SetMigrations(set))
}
