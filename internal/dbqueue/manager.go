package dbqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/errs"
	"github.com/koustreak/Sluice/internal/logger"
	"github.com/koustreak/Sluice/internal/pending"
)

// Manager coordinates the lead queues of all configured databases and
// routes submissions by database name and queue hint.
type Manager struct {
	mu    sync.RWMutex
	leads map[string]*Queue

	pending *pending.Manager
	log     *logger.Logger

	totalQueries  atomic.Int64
	acceptedCount atomic.Int64
	rejectedCount atomic.Int64
}

// ManagerStats aggregates submission counters across all databases.
type ManagerStats struct {
	Databases int
	Total     int64
	Accepted  int64
	Rejected  int64
}

// NewManager returns an empty queue manager sharing one pending-result
// registry across all databases.
func NewManager(pm *pending.Manager, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		leads:   make(map[string]*Queue),
		pending: pm,
		log:     log,
	}
}

// Pending returns the shared pending-result manager.
func (m *Manager) Pending() *pending.Manager { return m.pending }

// Add registers a lead queue. One lead per database name.
func (m *Manager) Add(q *Queue) error {
	if q == nil || !q.IsLead() {
		return errs.New(errs.ErrKindInvalidInput, "manager accepts lead queues only")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.leads[q.Name()]; dup {
		return errs.Newf(errs.ErrKindInvalidInput, "database %s already managed", q.Name())
	}
	m.leads[q.Name()] = q
	return nil
}

// Lead returns the lead queue for database, or nil.
func (m *Manager) Lead(database string) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leads[database]
}

// Names returns the managed database names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.leads))
	for name := range m.leads {
		names = append(names, name)
	}
	return names
}

// Submit routes a request to the named database. The request's QueueHint
// selects a child queue when one with that role is running; otherwise the
// lead takes it.
func (m *Manager) Submit(database string, req *engine.QueryRequest) bool {
	m.totalQueries.Add(1)

	lead := m.Lead(database)
	if lead == nil || req == nil {
		m.rejectedCount.Add(1)
		return false
	}

	target := lead
	if req.QueueHint != "" {
		if child := lead.Child(req.QueueHint); child != nil {
			target = child
		}
	}

	if !target.Enqueue(req) {
		m.rejectedCount.Add(1)
		return false
	}
	m.acceptedCount.Add(1)
	return true
}

// SubmitAndWait registers a pending entry, submits the request, and
// blocks until the result arrives or timeoutSeconds elapses. The claimed
// result is owned by the caller.
func (m *Manager) SubmitAndWait(database string, req *engine.QueryRequest, timeoutSeconds int) (*engine.QueryResult, error) {
	if req == nil || req.QueryID == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "request with a query id is required")
	}

	entry, err := m.pending.Register(req.QueryID, timeoutSeconds)
	if err != nil {
		return nil, err
	}

	if !m.Submit(database, req) {
		m.pending.Cancel(req.QueryID)
		return nil, errs.Newf(errs.ErrKindExhausted, "queue rejected query %s", req.QueryID)
	}

	if err := entry.Wait(); err != nil {
		return nil, err
	}
	result := m.pending.Get(req.QueryID)
	if result == nil {
		return nil, errs.Newf(errs.ErrKindNotFound, "result for query %s already claimed", req.QueryID)
	}
	return result, nil
}

// Stats returns manager-wide submission counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	databases := len(m.leads)
	m.mu.RUnlock()
	return ManagerStats{
		Databases: databases,
		Total:     m.totalQueries.Load(),
		Accepted:  m.acceptedCount.Load(),
		Rejected:  m.rejectedCount.Load(),
	}
}

// Shutdown stops every lead queue (and through them, their children).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	leads := make([]*Queue, 0, len(m.leads))
	for _, q := range m.leads {
		leads = append(leads, q)
	}
	m.leads = make(map[string]*Queue)
	m.mu.Unlock()

	var firstErr error
	for _, q := range leads {
		if err := q.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.log.Infof("queue manager stopped (%d databases)", len(leads))
	return firstErr
}
