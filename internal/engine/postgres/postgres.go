// Package postgres provides the PostgreSQL engine driver backed by pgx.
// Unlike the database/sql engines it speaks the pgx native interface,
// which exposes server-side named prepared statements directly.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/errs"
	"github.com/koustreak/Sluice/internal/params"
	"github.com/koustreak/Sluice/internal/stmtcache"
)

// Driver is the PostgreSQL implementation of engine.Engine. Each handle
// wraps one *pgx.Conn, exclusively owned by a single queue worker.
type Driver struct{}

// New returns the PostgreSQL engine.
func New() engine.Engine {
	return &Driver{}
}

func (d *Driver) Type() engine.Type { return engine.Postgres }
func (d *Driver) Name() string      { return "postgres" }

// conn extracts the pgx connection after validating handle ownership.
func (d *Driver) conn(h *engine.DatabaseHandle) (*pgx.Conn, error) {
	if h == nil || h.Conn == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil database handle")
	}
	if h.Engine != engine.Postgres {
		return nil, errs.Newf(errs.ErrKindInvalidInput,
			"handle belongs to %s, not postgres", h.Engine)
	}
	pc, ok := h.Conn.(*pgx.Conn)
	if !ok {
		return nil, errs.New(errs.ErrKindInvalidInput, "foreign connection object on handle")
	}
	return pc, nil
}

// Connect establishes a single pgx connection and validates it with a ping.
func (d *Driver) Connect(ctx context.Context, cfg *engine.ConnectionConfig, designator string) (*engine.DatabaseHandle, error) {
	if cfg == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil connection config")
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pc, err := pgx.Connect(connCtx, d.ConnectionString(cfg))
	if err != nil {
		return nil, mapError(err, "connect failed")
	}

	if err := pc.Ping(connCtx); err != nil {
		_ = pc.Close(context.Background())
		return nil, mapError(err, "ping failed")
	}

	now := time.Now()
	return &engine.DatabaseHandle{
		Engine:          engine.Postgres,
		Conn:            pc,
		Designator:      designator,
		Config:          cfg,
		Status:          engine.StatusConnected,
		ConnectedSince:  now,
		LastHealthCheck: now,
		Statements:      stmtcache.New(cfg.StatementCacheSize),
	}, nil
}

// Disconnect releases prepared statements and closes the connection.
func (d *Driver) Disconnect(ctx context.Context, h *engine.DatabaseHandle) error {
	pc, err := d.conn(h)
	if err != nil {
		return err
	}
	h.Lock()
	defer h.Unlock()

	h.Status = engine.StatusShuttingDown
	h.Statements.Purge()
	h.Tx = nil
	if err := pc.Close(ctx); err != nil {
		return mapError(err, "close failed")
	}
	h.Status = engine.StatusDisconnected
	return nil
}

// HealthCheck pings the server and updates the handle's bookkeeping.
func (d *Driver) HealthCheck(ctx context.Context, h *engine.DatabaseHandle) bool {
	pc, err := d.conn(h)
	if err != nil {
		return false
	}
	h.Lock()
	defer h.Unlock()

	ok := pc.Ping(ctx) == nil
	h.RecordHealth(ok)
	return ok
}

// Execute runs one request. Engine failures come back as a structured
// failed QueryResult; pre-engine failures as errors.
func (d *Driver) Execute(ctx context.Context, h *engine.DatabaseHandle, req *engine.QueryRequest) (*engine.QueryResult, error) {
	pc, err := d.conn(h)
	if err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.SQLTemplate) == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil or empty query request")
	}

	list, err := params.ParseTyped(req.ParametersJSON)
	if err != nil {
		return nil, err
	}
	sqlText, ordered, err := params.ConvertNamedToPositional(req.SQLTemplate, list, params.PlaceholderDollar)
	if err != nil {
		return nil, err
	}
	args, err := params.BindAll(ordered)
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

	// Server-side prepared statements execute by name.
	execSQL := sqlText
	if req.UsePrepared {
		if name, ok := d.prepareCached(ctx, pc, h, req, sqlText); ok {
			execSQL = name
		}
	}

	started := time.Now()

	if engine.ReturnsRows(sqlText) {
		columns, rows, qerr := queryRows(ctx, pc, execSQL, args)
		elapsed := time.Since(started)
		if qerr != nil {
			h.ConsecutiveFailures++
			return engine.FailedResult(qerr, elapsed), nil
		}
		h.ConsecutiveFailures = 0
		return engine.BuildResult(columns, rows, 0, elapsed)
	}

	tag, xerr := pc.Exec(ctx, execSQL, args...)
	elapsed := time.Since(started)
	if xerr != nil {
		h.ConsecutiveFailures++
		return engine.FailedResult(xerr, elapsed), nil
	}
	h.ConsecutiveFailures = 0
	return engine.BuildResult(nil, nil, tag.RowsAffected(), elapsed)
}

// prepareCached resolves the server-side statement for a request,
// preparing and caching on miss. It reports false on prepare failure,
// in which case the caller executes the SQL text directly.
func (d *Driver) prepareCached(ctx context.Context, pc *pgx.Conn, h *engine.DatabaseHandle, req *engine.QueryRequest, sqlText string) (string, bool) {
	if h.Statements == nil {
		return "", false
	}
	name := req.StatementName
	if name == "" {
		name = engine.StatementName(sqlText)
	}

	if st, ok := h.Statements.Get(name); ok && st.SQL == sqlText {
		return name, true
	}
	h.Statements.Remove(name)

	sd, err := pc.Prepare(ctx, name, sqlText)
	if err != nil {
		return "", false
	}
	st := &stmtcache.Statement{
		Name:   name,
		SQL:    sqlText,
		Handle: sd,
		Release: func() error {
			return pc.Deallocate(context.Background(), name)
		},
	}
	if err := h.Statements.Put(st); err != nil {
		_ = pc.Deallocate(context.Background(), name)
		return "", false
	}
	return name, true
}

func queryRows(ctx context.Context, pc *pgx.Conn, sqlText string, args []any) ([]string, [][]any, error) {
	rows, err := pc.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	descs := rows.FieldDescriptions()
	columns := make([]string, len(descs))
	for i, fd := range descs {
		columns[i] = fd.Name
	}

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, values)
	}
	return columns, out, rows.Err()
}

// Prepare creates a named server-side prepared statement without caching it.
func (d *Driver) Prepare(ctx context.Context, h *engine.DatabaseHandle, name, sqlText string) (*stmtcache.Statement, error) {
	pc, err := d.conn(h)
	if err != nil {
		return nil, err
	}
	if name == "" || strings.TrimSpace(sqlText) == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "statement name and SQL are required")
	}

	sd, err := pc.Prepare(ctx, name, sqlText)
	if err != nil {
		return nil, mapError(err, "prepare failed")
	}
	return &stmtcache.Statement{
		Name:   name,
		SQL:    sqlText,
		Handle: sd,
		Release: func() error {
			return pc.Deallocate(context.Background(), name)
		},
	}, nil
}

// Begin opens a transaction at the requested isolation level.
func (d *Driver) Begin(ctx context.Context, h *engine.DatabaseHandle, level engine.IsolationLevel) (*engine.Transaction, error) {
	pc, err := d.conn(h)
	if err != nil {
		return nil, err
	}
	h.Lock()
	defer h.Unlock()

	if h.InTransaction() {
		return nil, errs.New(errs.ErrKindInvalidInput, "handle already has an open transaction")
	}

	begin := fmt.Sprintf("BEGIN ISOLATION LEVEL %s", level.SQL())
	if _, err := pc.Exec(ctx, begin); err != nil {
		return nil, mapError(err, "begin failed")
	}

	tx := &engine.Transaction{
		ID:        uuid.NewString(),
		Isolation: level,
		StartedAt: time.Now(),
		Active:    true,
	}
	h.Tx = tx
	return tx, nil
}

// Commit makes the transaction durable and detaches it from the handle.
func (d *Driver) Commit(ctx context.Context, h *engine.DatabaseHandle, tx *engine.Transaction) error {
	return d.finishTransaction(ctx, h, tx, "COMMIT")
}

// Rollback discards the transaction; the handle's slot is cleared even
// when the rollback statement itself fails.
func (d *Driver) Rollback(ctx context.Context, h *engine.DatabaseHandle, tx *engine.Transaction) error {
	return d.finishTransaction(ctx, h, tx, "ROLLBACK")
}

func (d *Driver) finishTransaction(ctx context.Context, h *engine.DatabaseHandle, tx *engine.Transaction, verb string) error {
	pc, err := d.conn(h)
	if err != nil {
		return err
	}
	h.Lock()
	defer h.Unlock()

	if tx == nil || !tx.Active || h.Tx == nil || h.Tx.ID != tx.ID {
		return errs.New(errs.ErrKindInvalidInput, "transaction is not open on this handle")
	}

	_, execErr := pc.Exec(ctx, verb)
	tx.Active = false
	h.Tx = nil
	if execErr != nil {
		return mapError(execErr, strings.ToLower(verb)+" failed")
	}
	return nil
}

// EscapeString doubles embedded single quotes.
func (d *Driver) EscapeString(h *engine.DatabaseHandle, input string) (string, error) {
	if h == nil {
		return "", errs.New(errs.ErrKindInvalidInput, "nil database handle")
	}
	if h.Engine != engine.Postgres {
		return "", errs.Newf(errs.ErrKindInvalidInput,
			"handle belongs to %s, not postgres", h.Engine)
	}
	return strings.ReplaceAll(input, "'", "''"), nil
}

// ConnectionString renders a libpq-style URL.
func (d *Driver) ConnectionString(cfg *engine.ConnectionConfig) string {
	if cfg == nil {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
}

// ValidateConnectionString reports whether pgconn can parse s.
func (d *Driver) ValidateConnectionString(s string) bool {
	_, err := pgconn.ParseConfig(s)
	return err == nil
}

// mapError translates pgx / pgconn native errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 — connection exceptions.
		if strings.HasPrefix(pgErr.Code, "08") {
			return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
		}
		return errs.Wrap(errs.ErrKindEngineFailed,
			fmt.Sprintf("%s: %s", msg, pgErr.Message), err)
	}
	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}
