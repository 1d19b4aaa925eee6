package engine

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koustreak/Sluice/internal/errs"
	"github.com/koustreak/Sluice/internal/params"
	"github.com/koustreak/Sluice/internal/stmtcache"
)

// Dialect carries the engine-specific pieces of a database/sql-backed
// driver. The mysql, sqlite, and db2 packages each supply one; everything
// else — execution, transactions, prepared statements, health checks — is
// shared in SQLEngine.
type Dialect struct {
	Type       Type
	DriverName string // registered database/sql driver name
	Style      params.Placeholder

	// BuildDSN renders cfg as the driver's data source name.
	BuildDSN func(cfg *ConnectionConfig) string

	// ValidateDSN reports whether s looks parseable by this driver.
	ValidateDSN func(s string) bool

	// TxSetup returns statements to run on the connection before a
	// transaction opens, for engines that configure isolation through a
	// session register instead of BEGIN options. Nil means none.
	TxSetup func(level IsolationLevel) []string

	// TxOptions maps the requested isolation onto driver transaction
	// options. Nil means the driver's defaults.
	TxOptions func(level IsolationLevel) *sql.TxOptions
}

// SQLEngine implements Engine on top of database/sql. Each handle wraps a
// *sql.DB pinned to a single underlying connection, so statements in one
// transaction are guaranteed to run on the connection that opened it.
type SQLEngine struct {
	d Dialect
}

// NewSQLEngine builds an Engine from a dialect description.
func NewSQLEngine(d Dialect) *SQLEngine {
	return &SQLEngine{d: d}
}

// sqlRunner is the execution surface shared by *sql.DB and *sql.Tx.
type sqlRunner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e *SQLEngine) Type() Type   { return e.d.Type }
func (e *SQLEngine) Name() string { return e.d.Type.String() }

// db extracts the connection object after validating handle ownership.
func (e *SQLEngine) db(h *DatabaseHandle) (*sql.DB, error) {
	if h == nil || h.Conn == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil database handle")
	}
	if h.Engine != e.d.Type {
		return nil, errs.Newf(errs.ErrKindInvalidInput,
			"handle belongs to %s, not %s", h.Engine, e.d.Type)
	}
	db, ok := h.Conn.(*sql.DB)
	if !ok {
		return nil, errs.New(errs.ErrKindInvalidInput, "foreign connection object on handle")
	}
	return db, nil
}

// Connect opens a dedicated single-connection pool and validates it.
func (e *SQLEngine) Connect(ctx context.Context, cfg *ConnectionConfig, designator string) (*DatabaseHandle, error) {
	if cfg == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil connection config")
	}

	db, err := sql.Open(e.d.DriverName, e.d.BuildDSN(cfg))
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "invalid DSN", err)
	}

	// One underlying connection per handle: the handle is exclusively
	// owned by a single queue worker and transactions must stay on the
	// connection that opened them.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "connect failed", err)
	}

	now := time.Now()
	return &DatabaseHandle{
		Engine:          e.d.Type,
		Conn:            db,
		Designator:      designator,
		Config:          cfg,
		Status:          StatusConnected,
		ConnectedSince:  now,
		LastHealthCheck: now,
		Statements:      stmtcache.New(cfg.StatementCacheSize),
	}, nil
}

// Disconnect releases cached statements and closes the connection.
func (e *SQLEngine) Disconnect(_ context.Context, h *DatabaseHandle) error {
	db, err := e.db(h)
	if err != nil {
		return err
	}
	h.Lock()
	defer h.Unlock()

	h.Status = StatusShuttingDown
	h.Statements.Purge()
	h.Tx = nil
	if err := db.Close(); err != nil {
		return errs.Wrap(errs.ErrKindConnectionFailed, "close failed", err)
	}
	h.Status = StatusDisconnected
	return nil
}

// HealthCheck pings the backend and updates the handle's bookkeeping.
func (e *SQLEngine) HealthCheck(ctx context.Context, h *DatabaseHandle) bool {
	db, err := e.db(h)
	if err != nil {
		return false
	}
	h.Lock()
	defer h.Unlock()

	ok := db.PingContext(ctx) == nil
	h.RecordHealth(ok)
	return ok
}

// Execute runs one request on the handle's connection. Pre-engine
// failures (bad arguments, malformed parameters) return an error; engine
// failures return a structured failed QueryResult with a nil error.
func (e *SQLEngine) Execute(ctx context.Context, h *DatabaseHandle, req *QueryRequest) (*QueryResult, error) {
	db, err := e.db(h)
	if err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.SQLTemplate) == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil or empty query request")
	}

	sqlText, args, err := bindRequest(req, e.d.Style)
	if err != nil {
		return nil, err
	}

	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	h.Lock()
	defer h.Unlock()

	// While a transaction is open, statements run through it; the pool's
	// single connection is held by the transaction until it finishes.
	// Cached *sql.Stmt handles belong to the pool, not the transaction,
	// so statement caching is bypassed in that case.
	var run sqlRunner = db
	var st *stmtcache.Statement
	if h.InTransaction() {
		if sqlTx, ok := h.Tx.Handle.(*sql.Tx); ok {
			run = sqlTx
		}
	} else {
		st = e.cachedStatement(ctx, db, h, req, sqlText)
	}

	started := time.Now()

	if ReturnsRows(sqlText) {
		columns, rows, qerr := queryRows(ctx, run, st, sqlText, args)
		elapsed := time.Since(started)
		if qerr != nil {
			h.ConsecutiveFailures++
			return FailedResult(qerr, elapsed), nil
		}
		h.ConsecutiveFailures = 0
		return BuildResult(columns, rows, 0, elapsed)
	}

	affected, xerr := execStatement(ctx, run, st, sqlText, args)
	elapsed := time.Since(started)
	if xerr != nil {
		h.ConsecutiveFailures++
		return FailedResult(xerr, elapsed), nil
	}
	h.ConsecutiveFailures = 0
	res, err := BuildResult(nil, nil, affected, elapsed)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func queryRows(ctx context.Context, run sqlRunner, st *stmtcache.Statement, sqlText string, args []any) ([]string, [][]any, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if st != nil {
		rows, err = st.Handle.(*sql.Stmt).QueryContext(ctx, args...)
	} else {
		rows, err = run.QueryContext(ctx, sqlText, args...)
	}
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, values)
	}
	return columns, out, rows.Err()
}

func execStatement(ctx context.Context, run sqlRunner, st *stmtcache.Statement, sqlText string, args []any) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if st != nil {
		res, err = st.Handle.(*sql.Stmt).ExecContext(ctx, args...)
	} else {
		res, err = run.ExecContext(ctx, sqlText, args...)
	}
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report this; not a failure.
		return 0, nil
	}
	return affected, nil
}

// cachedStatement resolves the prepared statement for a request, preparing
// and caching on miss. A nil return means direct execution.
func (e *SQLEngine) cachedStatement(ctx context.Context, db *sql.DB, h *DatabaseHandle, req *QueryRequest, sqlText string) *stmtcache.Statement {
	if !req.UsePrepared || h.Statements == nil {
		return nil
	}

	name := req.StatementName
	if name == "" {
		name = StatementName(sqlText)
	}

	if st, ok := h.Statements.Get(name); ok && st.SQL == sqlText {
		return st
	}
	// Name collision with different SQL: drop the stale entry.
	h.Statements.Remove(name)

	stmt, err := db.PrepareContext(ctx, sqlText)
	if err != nil {
		// Fall back to direct execution; the statement error will
		// surface there with full context.
		return nil
	}
	st := &stmtcache.Statement{
		Name:    name,
		SQL:     sqlText,
		Handle:  stmt,
		Release: stmt.Close,
	}
	if err := h.Statements.Put(st); err != nil {
		_ = stmt.Close()
		return nil
	}
	return st
}

// Prepare creates a named prepared statement without caching it.
func (e *SQLEngine) Prepare(ctx context.Context, h *DatabaseHandle, name, sqlText string) (*stmtcache.Statement, error) {
	db, err := e.db(h)
	if err != nil {
		return nil, err
	}
	if name == "" || strings.TrimSpace(sqlText) == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "statement name and SQL are required")
	}

	stmt, err := db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindEngineFailed, "prepare failed", err)
	}
	return &stmtcache.Statement{
		Name:    name,
		SQL:     sqlText,
		Handle:  stmt,
		Release: stmt.Close,
	}, nil
}

// Begin opens a transaction pinned to the handle's single connection via
// database/sql, so commit and rollback are real even on engines whose
// connections default to autocommit. While it is open, Execute routes
// statements through it.
func (e *SQLEngine) Begin(ctx context.Context, h *DatabaseHandle, level IsolationLevel) (*Transaction, error) {
	db, err := e.db(h)
	if err != nil {
		return nil, err
	}
	h.Lock()
	defer h.Unlock()

	if h.InTransaction() {
		return nil, errs.New(errs.ErrKindInvalidInput, "handle already has an open transaction")
	}

	if e.d.TxSetup != nil {
		for _, stmt := range e.d.TxSetup(level) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, errs.Wrap(errs.ErrKindEngineFailed, "begin failed", err)
			}
		}
	}

	var opts *sql.TxOptions
	if e.d.TxOptions != nil {
		opts = e.d.TxOptions(level)
	}
	sqlTx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindEngineFailed, "begin failed", err)
	}

	tx := &Transaction{
		ID:        uuid.NewString(),
		Isolation: level,
		StartedAt: time.Now(),
		Active:    true,
		Handle:    sqlTx,
	}
	h.Tx = tx
	return tx, nil
}

// Commit makes the transaction durable and detaches it from the handle.
func (e *SQLEngine) Commit(ctx context.Context, h *DatabaseHandle, tx *Transaction) error {
	return e.finishTransaction(ctx, h, tx, "COMMIT")
}

// Rollback discards the transaction. The transaction is detached from the
// handle even when the rollback statement itself fails.
func (e *SQLEngine) Rollback(ctx context.Context, h *DatabaseHandle, tx *Transaction) error {
	return e.finishTransaction(ctx, h, tx, "ROLLBACK")
}

func (e *SQLEngine) finishTransaction(_ context.Context, h *DatabaseHandle, tx *Transaction, verb string) error {
	if _, err := e.db(h); err != nil {
		return err
	}
	h.Lock()
	defer h.Unlock()

	if tx == nil || !tx.Active || h.Tx == nil || h.Tx.ID != tx.ID {
		return errs.New(errs.ErrKindInvalidInput, "transaction is not open on this handle")
	}

	sqlTx, ok := tx.Handle.(*sql.Tx)
	tx.Active = false
	h.Tx = nil
	if !ok {
		return errs.New(errs.ErrKindInvalidInput, "transaction has no driver handle")
	}

	var execErr error
	if verb == "COMMIT" {
		execErr = sqlTx.Commit()
	} else {
		execErr = sqlTx.Rollback()
	}
	if execErr != nil {
		return errs.Wrap(errs.ErrKindEngineFailed, strings.ToLower(verb)+" failed", execErr)
	}
	return nil
}

// EscapeString doubles embedded single quotes.
func (e *SQLEngine) EscapeString(h *DatabaseHandle, input string) (string, error) {
	if h == nil {
		return "", errs.New(errs.ErrKindInvalidInput, "nil database handle")
	}
	if h.Engine != e.d.Type {
		return "", errs.Newf(errs.ErrKindInvalidInput,
			"handle belongs to %s, not %s", h.Engine, e.d.Type)
	}
	return strings.ReplaceAll(input, "'", "''"), nil
}

// ConnectionString renders cfg as the engine's DSN.
func (e *SQLEngine) ConnectionString(cfg *ConnectionConfig) string {
	if cfg == nil {
		return ""
	}
	return e.d.BuildDSN(cfg)
}

// ValidateConnectionString delegates to the dialect.
func (e *SQLEngine) ValidateConnectionString(s string) bool {
	if e.d.ValidateDSN == nil {
		return s != ""
	}
	return e.d.ValidateDSN(s)
}

// bindRequest parses the typed-parameter document, rewrites placeholders
// for the dialect, and binds driver arguments.
func bindRequest(req *QueryRequest, style params.Placeholder) (string, []any, error) {
	list, err := params.ParseTyped(req.ParametersJSON)
	if err != nil {
		return "", nil, err
	}
	sqlText, ordered, err := params.ConvertNamedToPositional(req.SQLTemplate, list, style)
	if err != nil {
		return "", nil, err
	}
	args, err := params.BindAll(ordered)
	if err != nil {
		return "", nil, err
	}
	return sqlText, args, nil
}

// StatementName derives a stable cache name from statement text.
func StatementName(sqlText string) string {
	sum := fnv.New64a()
	_, _ = sum.Write([]byte(sqlText))
	return fmt.Sprintf("stmt_%016x", sum.Sum64())
}
