// Package engine is the central contract for all database engines.
// All layers above this package talk only to the Engine interface —
// they never import the postgres, mysql, sqlite, or db2 packages directly.
package engine

import (
	"context"
	"sync"

	"github.com/koustreak/Sluice/internal/errs"
	"github.com/koustreak/Sluice/internal/stmtcache"
)

// Engine is the uniform driver surface every backend implements. Every
// entry point fails closed on nil, invalid, or engine-mismatched arguments.
type Engine interface {
	// Type returns the engine's Type.
	Type() Type

	// Name returns the engine identifier ("postgres", "sqlite", …).
	Name() string

	// Connect establishes a new exclusive connection and returns its handle.
	Connect(ctx context.Context, cfg *ConnectionConfig, designator string) (*DatabaseHandle, error)

	// Disconnect releases the handle's prepared statements and closes the
	// underlying connection. The handle must not be reused afterwards.
	Disconnect(ctx context.Context, h *DatabaseHandle) error

	// HealthCheck pings the backend. It rejects a handle of the wrong
	// engine type, updates the handle's health bookkeeping, and never
	// panics. A failed check is not itself fatal — reconnection is the
	// caller's decision based on ConsecutiveFailures.
	HealthCheck(ctx context.Context, h *DatabaseHandle) bool

	// Execute runs one request: parameter binding, placeholder rewriting,
	// optional prepared-statement reuse, and result serialisation.
	Execute(ctx context.Context, h *DatabaseHandle, req *QueryRequest) (*QueryResult, error)

	// Prepare creates (or re-creates) a named prepared statement without
	// caching it; the caller decides cache placement.
	Prepare(ctx context.Context, h *DatabaseHandle, name, sql string) (*stmtcache.Statement, error)

	// Begin opens a transaction on the handle. A handle carries at most
	// one open transaction.
	Begin(ctx context.Context, h *DatabaseHandle, level IsolationLevel) (*Transaction, error)

	// Commit makes the transaction's effects durable and closes it.
	Commit(ctx context.Context, h *DatabaseHandle, tx *Transaction) error

	// Rollback discards the transaction's effects and closes it.
	Rollback(ctx context.Context, h *DatabaseHandle, tx *Transaction) error

	// EscapeString doubles embedded quote characters for safe literal
	// inclusion. It rejects a nil or engine-mismatched handle.
	EscapeString(h *DatabaseHandle, input string) (string, error)

	// ConnectionString renders cfg in the engine's native DSN syntax.
	ConnectionString(cfg *ConnectionConfig) string

	// ValidateConnectionString reports whether s looks like a DSN this
	// engine can parse.
	ValidateConnectionString(s string) bool
}

// Registry maps engine types to registered implementations. It is built
// explicitly at startup rather than through package init side effects, so
// tests can register fakes.
type Registry struct {
	mu      sync.RWMutex
	engines map[Type]Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[Type]Engine)}
}

// Register adds an engine. Registering the same type twice is an error.
func (r *Registry) Register(e Engine) error {
	if e == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil engine")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.engines[e.Type()]; dup {
		return errs.Newf(errs.ErrKindInvalidInput, "engine %s already registered", e.Type())
	}
	r.engines[e.Type()] = e
	return nil
}

// Get returns the engine registered for t.
func (r *Registry) Get(t Type) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[t]
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "no engine registered for %s", t)
	}
	return e, nil
}

// ByName returns the engine whose Name matches name.
func (r *Registry) ByName(name string) (Engine, error) {
	t, ok := ParseType(name)
	if !ok {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "unknown engine name %q", name)
	}
	return r.Get(t)
}
