package dbqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/koustreak/Sluice/internal/config"
	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/errs"
	"github.com/koustreak/Sluice/internal/migrations"
)

// migrationTimeoutSeconds bounds each individual migration statement.
const migrationTimeoutSeconds = 30

// SetMigrations attaches a loaded migration set to the lead queue.
// The set is read-only from here on.
func (q *Queue) SetMigrations(set *migrations.Set) error {
	if !q.isLead {
		return errs.New(errs.ErrKindInvalidInput, "only lead queues hold migration state")
	}
	q.migrations = set
	return nil
}

// LoadMigrations loads the migration set from src and attaches it.
func (q *Queue) LoadMigrations(ctx context.Context, src migrations.Source) error {
	set, err := migrations.Load(ctx, src)
	if err != nil {
		return err
	}
	if err := q.SetMigrations(set); err != nil {
		return err
	}
	q.log.Infof("loaded %d migrations, latest available %04d", set.Len(), set.LatestID())
	return nil
}

// LatestApplied returns the highest migration id committed so far.
func (q *Queue) LatestApplied() int { return int(q.latestApplied.Load()) }

// SetLatestApplied seeds the applied version, normally from the bootstrap
// query's result against the target database.
func (q *Queue) SetLatestApplied(id int) { q.latestApplied.Store(int64(id)) }

// ApplySingleMigration runs one forward migration in a single transaction
// on the lead's persistent connection. Every statement must succeed before
// commit; any failure rolls the transaction back and the applied version
// is unchanged. A rollback failure is logged but never overrides the
// original failure.
func (q *Queue) ApplySingleMigration(ctx context.Context, id int) error {
	m, err := q.migrationByID(id)
	if err != nil {
		return err
	}
	stmts := m.Statements()
	if len(stmts) == 0 {
		return errs.Newf(errs.ErrKindBadData, "migration %04d has no statements", id)
	}

	if err := q.runMigrationTx(ctx, id, stmts); err != nil {
		return err
	}

	if id > q.LatestApplied() {
		q.latestApplied.Store(int64(id))
	}
	q.log.Infof("migration %04d (%s) applied", id, m.Name)
	return nil
}

// ApplySingleReverseMigration runs one rollback script in a single
// transaction. Ordering against the applied version is not enforced here;
// reversibility is the caller's responsibility.
func (q *Queue) ApplySingleReverseMigration(ctx context.Context, id int) error {
	m, err := q.migrationByID(id)
	if err != nil {
		return err
	}
	if !m.HasReverse() {
		return errs.Newf(errs.ErrKindNotFound, "migration %04d has no reverse script", id)
	}
	stmts := m.ReverseStatements()
	if len(stmts) == 0 {
		return errs.Newf(errs.ErrKindBadData, "reverse migration %04d has no statements", id)
	}

	if err := q.runMigrationTx(ctx, id, stmts); err != nil {
		return err
	}

	if q.LatestApplied() >= id {
		q.latestApplied.Store(int64(id - 1))
	}
	q.log.Infof("migration %04d (%s) reversed", id, m.Name)
	return nil
}

// ApplyPending applies every migration above the current applied version
// in ascending order, stopping at the first failure. It returns the count
// applied.
func (q *Queue) ApplyPending(ctx context.Context) (int, error) {
	if !q.isLead {
		return 0, errs.New(errs.ErrKindInvalidInput, "only lead queues apply migrations")
	}
	if q.migrations == nil {
		return 0, errs.New(errs.ErrKindInvalidInput, "no migration set loaded")
	}

	applied := 0
	for _, m := range q.migrations.After(q.LatestApplied()) {
		if err := q.ApplySingleMigration(ctx, m.ID); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (q *Queue) migrationByID(id int) (migrations.Migration, error) {
	if !q.isLead {
		return migrations.Migration{}, errs.New(errs.ErrKindInvalidInput, "only lead queues apply migrations")
	}
	if q.migrations == nil {
		return migrations.Migration{}, errs.New(errs.ErrKindInvalidInput, "no migration set loaded")
	}
	if q.Handle() == nil {
		return migrations.Migration{}, errs.New(errs.ErrKindConnectionFailed, "no persistent connection")
	}
	m, ok := q.migrations.Get(id)
	if !ok {
		return migrations.Migration{}, errs.Newf(errs.ErrKindNotFound, "migration %04d not found", id)
	}
	return m, nil
}

// runMigrationTx executes the statements in order inside one transaction.
// It holds the queue's connection mutex from begin to commit, so requests
// drained by the worker during a migration wait for the transaction to
// finish instead of executing inside it.
func (q *Queue) runMigrationTx(ctx context.Context, id int, stmts []string) error {
	q.migrateMu.Lock()
	defer q.migrateMu.Unlock()

	q.connMu.Lock()
	defer q.connMu.Unlock()

	// Pin the handle for the whole transaction so a heartbeat reconnect
	// cannot swap the connection mid-migration.
	h := q.Handle()
	if h == nil {
		return errs.New(errs.ErrKindConnectionFailed, "no persistent connection")
	}

	tx, err := q.eng.Begin(ctx, h, engine.ReadCommitted)
	if err != nil {
		return errs.Wrapf(errs.ErrKindEngineFailed, err, "failed to begin transaction for migration %04d", id)
	}

	for i, stmt := range stmts {
		req := &engine.QueryRequest{
			QueryID:        fmt.Sprintf("migration_%04d_%d", id, i+1),
			SQLTemplate:    stmt,
			TimeoutSeconds: migrationTimeoutSeconds,
			Isolation:      engine.ReadCommitted,
			UsePrepared:    true,
		}

		result, execErr := q.eng.Execute(ctx, h, req)
		if execErr == nil && result != nil && result.Success {
			continue
		}

		failure := errs.Newf(errs.ErrKindEngineFailed,
			"migration %04d statement %d of %d failed: %s", id, i+1, len(stmts), failureMessage(result, execErr))
		if rbErr := q.eng.Rollback(ctx, h, tx); rbErr != nil {
			// Reported but never overrides the statement failure.
			q.log.ErrorWith("rollback failed after migration failure", rbErr,
				map[string]any{"migration": id})
		}
		return failure
	}

	if err := q.eng.Commit(ctx, h, tx); err != nil {
		return errs.Wrapf(errs.ErrKindEngineFailed, err, "failed to commit migration %04d", id)
	}
	return nil
}

func failureMessage(result *engine.QueryResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if result != nil && result.ErrorMessage != "" {
		return result.ErrorMessage
	}
	return "unknown engine failure"
}

// RunBootstrap executes the configured bootstrap query on the lead's
// persistent connection. Only a lead queue can bootstrap; a queue without
// a bootstrap query succeeds trivially.
func (q *Queue) RunBootstrap(ctx context.Context) error {
	if q == nil || !q.isLead {
		return errs.New(errs.ErrKindInvalidInput, "bootstrap requires a lead queue")
	}
	if q.opts.BootstrapQuery == "" {
		return nil
	}
	if q.Handle() == nil {
		return errs.New(errs.ErrKindConnectionFailed, "no persistent connection")
	}

	start := time.Now()
	req := &engine.QueryRequest{
		QueryID:        "bootstrap",
		SQLTemplate:    q.opts.BootstrapQuery,
		TimeoutSeconds: migrationTimeoutSeconds,
	}
	q.connMu.Lock()
	result, err := q.eng.Execute(ctx, q.Handle(), req)
	q.connMu.Unlock()
	if err != nil {
		return errs.Wrap(errs.ErrKindEngineFailed, "bootstrap query failed", err)
	}
	if !result.Success {
		return errs.Newf(errs.ErrKindEngineFailed, "bootstrap query failed: %s", result.ErrorMessage)
	}
	q.log.With().Int("rows", result.RowCount).Int64("elapsed_ms", time.Since(start).Milliseconds()).
		Logger().Info("bootstrap query completed")
	return nil
}

// AutoMigrationEnabled reports whether configuration enables automatic
// migration for this queue's database. A nil config or an unknown
// database name disables it.
func (q *Queue) AutoMigrationEnabled(cfg *config.Config) bool {
	if q == nil || !q.isLead || cfg == nil {
		return false
	}
	db := cfg.FindDatabase(q.name)
	if db == nil {
		return false
	}
	return db.AutoMigration
}
