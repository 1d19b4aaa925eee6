package engine

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/koustreak/Sluice/internal/stmtcache"
)

// Type identifies a supported database engine.
type Type int

const (
	Postgres Type = iota
	MySQL
	SQLite
	DB2
)

var typeNames = [...]string{
	Postgres: "postgres",
	MySQL:    "mysql",
	SQLite:   "sqlite",
	DB2:      "db2",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// ParseType maps an engine name from configuration to its Type.
func ParseType(s string) (Type, bool) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), true
		}
	}
	return 0, false
}

// ConnStatus tracks the lifecycle of a DatabaseHandle.
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
	StatusShuttingDown
)

// IsolationLevel selects transaction isolation.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// SQL renders the isolation level in standard SQL spelling.
func (l IsolationLevel) SQL() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "READ COMMITTED"
	}
}

// Std maps the level onto database/sql's isolation constants.
func (l IsolationLevel) Std() sql.IsolationLevel {
	switch l {
	case ReadUncommitted:
		return sql.LevelReadUncommitted
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

// ConnectionConfig holds the immutable settings for one connection.
// It is owned by configuration and treated as read-only here.
type ConnectionConfig struct {
	Host               string
	Port               int
	Database           string
	Username           string
	Password           string
	StatementCacheSize int
	ConnectTimeout     time.Duration
}

// Transaction is an open transaction on a DatabaseHandle. It is owned by
// the handle that opened it and destroyed on commit or rollback.
type Transaction struct {
	ID        string
	Isolation IsolationLevel
	StartedAt time.Time
	Active    bool
	Handle    any // driver transaction object; *sql.Tx for database/sql engines
}

// QueryRequest describes one unit of work. It is immutable once submitted.
type QueryRequest struct {
	QueryID        string
	SQLTemplate    string // SQL with :name placeholders
	ParametersJSON string // typed-parameter document, may be empty
	TimeoutSeconds int
	Isolation      IsolationLevel
	UsePrepared    bool
	StatementName  string
	QueueHint      string // optional child-queue role: slow, medium, fast, cache
}

// QueryResult is the outcome of one executed request. After a caller
// claims it from the pending manager it has exactly one owner.
type QueryResult struct {
	Success       bool
	DataJSON      string // rows as a JSON array of objects; "[]" when empty
	RowCount      int
	ColumnCount   int
	ColumnNames   []string
	ErrorMessage  string
	ExecutionTime time.Duration
	AffectedRows  int64
}

// DatabaseHandle is one live connection to an engine. A handle is
// exclusively owned by one DatabaseQueue; only that queue's worker and its
// health monitor ever touch it, serialised by mu.
type DatabaseHandle struct {
	Engine     Type
	Conn       any // engine-specific connection object
	Designator string
	Config     *ConnectionConfig

	Status              ConnStatus
	ConnectedSince      time.Time
	LastHealthCheck     time.Time
	ConsecutiveFailures int

	Statements *stmtcache.Cache
	Tx         *Transaction

	mu sync.Mutex
}

// Lock serialises handle access between the worker and the health monitor.
func (h *DatabaseHandle) Lock() { h.mu.Lock() }

// Unlock releases the handle lock.
func (h *DatabaseHandle) Unlock() { h.mu.Unlock() }

// RecordHealth updates the health bookkeeping after a check. A success
// resets the consecutive-failure counter; a failure increments it. The
// reconnect decision belongs to the caller.
func (h *DatabaseHandle) RecordHealth(ok bool) {
	h.LastHealthCheck = time.Now()
	if ok {
		h.ConsecutiveFailures = 0
		h.Status = StatusConnected
	} else {
		h.ConsecutiveFailures++
		h.Status = StatusError
	}
}

// FailureCount returns the consecutive-failure counter under the handle
// lock, so monitors can read it while a worker mutates it.
func (h *DatabaseHandle) FailureCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ConsecutiveFailures
}

// InTransaction reports whether the handle has an open transaction.
func (h *DatabaseHandle) InTransaction() bool {
	return h.Tx != nil && h.Tx.Active
}

func (h *DatabaseHandle) String() string {
	if h == nil {
		return "<nil handle>"
	}
	return fmt.Sprintf("%s[%s]", h.Engine, h.Designator)
}
