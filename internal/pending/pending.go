// Package pending correlates asynchronously submitted queries with their
// eventual results. Callers register an opaque query id, workers signal
// completion, and claimants retrieve the result by id with a bounded wait.
//
// The manager is an explicit, injectable service rather than hidden global
// state, so tests run against isolated instances. Locking is two-tier: one
// manager lock guards registration, lookup, and growth of the entry list,
// and each entry carries its own lock plus completion channel, so a cleanup
// sweep never blocks an unrelated waiter.
package pending

import (
	"sync"
	"time"

	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/errs"
)

// Result is one registered placeholder for a query's eventual outcome.
// Exactly one live entry exists per query id.
type Result struct {
	queryID     string
	timeout     time.Duration
	submittedAt time.Time

	mu         sync.Mutex
	completed  bool
	timedOut   bool
	result     *engine.QueryResult
	done       chan struct{}
	doneClosed bool
}

// closeDone closes the wakeup channel at most once. Caller holds r.mu.
func (r *Result) closeDone() {
	if !r.doneClosed {
		close(r.done)
		r.doneClosed = true
	}
}

// QueryID returns the id this entry was registered under.
func (r *Result) QueryID() string { return r.queryID }

// IsCompleted reports whether a result has been signalled for this entry.
func (r *Result) IsCompleted() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// IsTimedOut reports whether this entry has passed its deadline.
func (r *Result) IsTimedOut() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

// Peek returns the signalled result without transferring ownership,
// or nil while incomplete.
func (r *Result) Peek() *engine.QueryResult {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.completed {
		return nil
	}
	return r.result
}

// Wait blocks until the entry completes or its registered timeout
// elapses. A zero timeout fails immediately unless the entry already
// completed — it never blocks forever.
func (r *Result) Wait() error {
	if r == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil pending result")
	}

	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return nil
	}
	if r.timedOut {
		r.mu.Unlock()
		return errs.Newf(errs.ErrKindTimeout, "query %s timed out", r.queryID)
	}
	timeout := r.timeout
	done := r.done
	r.mu.Unlock()

	if timeout <= 0 {
		r.markTimedOut()
		return errs.Newf(errs.ErrKindTimeout, "query %s timed out", r.queryID)
	}

	select {
	case <-done:
		// Closed either on signal or at manager teardown.
		if r.IsCompleted() {
			return nil
		}
		return errs.Newf(errs.ErrKindTimeout, "query %s timed out", r.queryID)
	case <-time.After(timeout):
		// Signal may have raced the timer; completion wins.
		if r.IsCompleted() {
			return nil
		}
		r.markTimedOut()
		return errs.Newf(errs.ErrKindTimeout, "query %s timed out", r.queryID)
	}
}

func (r *Result) markTimedOut() {
	r.mu.Lock()
	if !r.completed {
		r.timedOut = true
	}
	r.mu.Unlock()
}

// Manager is the process-wide registry of pending results. The backing
// list grows on demand and only shrinks at teardown.
type Manager struct {
	mu      sync.Mutex
	entries []*Result
	closed  bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register creates a pending entry for queryID. Registering an id that
// already has a live entry is an error: ids correlate exactly one
// submission with one claim.
func (m *Manager) Register(queryID string, timeoutSeconds int) (*Result, error) {
	if m == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil pending manager")
	}
	if queryID == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "empty query id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errs.New(errs.ErrKindInvalidInput, "pending manager is shut down")
	}
	if m.lookupLocked(queryID) != nil {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "query %s already registered", queryID)
	}

	entry := &Result{
		queryID:     queryID,
		timeout:     time.Duration(timeoutSeconds) * time.Second,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

// SignalReady delivers result to the entry registered under queryID and
// wakes its waiter. It returns true exactly once per id; on a miss or a
// repeat signal it returns false and the caller keeps ownership of result.
func (m *Manager) SignalReady(queryID string, result *engine.QueryResult) bool {
	if m == nil || queryID == "" {
		return false
	}

	m.mu.Lock()
	entry := m.lookupLocked(queryID)
	m.mu.Unlock()
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.completed {
		return false
	}
	entry.result = result
	entry.completed = true
	entry.closeDone()
	return true
}

// Get claims the completed result for queryID, removing the entry. The
// claimant becomes the result's sole owner. Nil is returned while the
// query is incomplete or unknown.
func (m *Manager) Get(queryID string) *engine.QueryResult {
	if m == nil || queryID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, e := range m.entries {
		if e.queryID == queryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	entry := m.entries[idx]
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.completed {
		return nil
	}

	result := entry.result
	entry.result = nil
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	return result
}

// Cancel removes the entry for queryID regardless of state, waking any
// waiter with a timeout. Used when a submission is rejected after
// registration.
func (m *Manager) Cancel(queryID string) bool {
	if m == nil || queryID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.entries {
		if entry.queryID != queryID {
			continue
		}
		entry.mu.Lock()
		if !entry.completed {
			entry.timedOut = true
			entry.closeDone()
		}
		entry.result = nil
		entry.mu.Unlock()
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		return true
	}
	return false
}

// IsCompleted reports whether the entry for queryID has been signalled.
func (m *Manager) IsCompleted(queryID string) bool {
	return m.find(queryID).IsCompleted()
}

// IsTimedOut reports whether the entry for queryID has timed out.
func (m *Manager) IsTimedOut(queryID string) bool {
	return m.find(queryID).IsTimedOut()
}

// WaitAny blocks until any of the entries completes, or timeoutSeconds
// elapses. It returns the index of the first ready entry. A nil or empty
// entry list is an error; a zero timeout fails immediately unless an
// entry is already ready.
func (m *Manager) WaitAny(entries []*Result, timeoutSeconds int) (int, error) {
	if len(entries) == 0 {
		return -1, errs.New(errs.ErrKindInvalidInput, "no entries to wait on")
	}

	for i, e := range entries {
		if e.IsCompleted() {
			return i, nil
		}
	}
	if timeoutSeconds <= 0 {
		return -1, errs.New(errs.ErrKindTimeout, "wait timed out")
	}

	stop := make(chan struct{})
	defer close(stop)
	ready := make(chan int, len(entries))
	for i, e := range entries {
		go func(i int, e *Result) {
			select {
			case <-e.done:
				if !e.IsCompleted() {
					return
				}
				select {
				case ready <- i:
				case <-stop:
				}
			case <-stop:
			}
		}(i, e)
	}

	select {
	case i := <-ready:
		return i, nil
	case <-time.After(time.Duration(timeoutSeconds) * time.Second):
		return -1, errs.New(errs.ErrKindTimeout, "wait timed out")
	}
}

// CleanupExpired sweeps entries that are incomplete and past their
// deadline: each is marked timed out, its slot removed, and any orphaned
// result dropped. Completed-but-unclaimed entries are left intact. The
// removed count is returned.
func (m *Manager) CleanupExpired() int {
	if m == nil {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	kept := m.entries[:0]
	for _, entry := range m.entries {
		entry.mu.Lock()
		expired := !entry.completed &&
			(entry.timedOut || now.Sub(entry.submittedAt) >= entry.timeout)
		if expired {
			entry.timedOut = true
			entry.result = nil
			removed++
		}
		entry.mu.Unlock()
		if !expired {
			kept = append(kept, entry)
		}
	}
	m.entries = kept
	return removed
}

// Count returns the number of live entries.
func (m *Manager) Count() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close tears the manager down: all incomplete entries are marked timed
// out and their waiters woken, and further registrations are refused.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		entry.mu.Lock()
		if !entry.completed {
			entry.timedOut = true
			entry.closeDone()
		}
		entry.result = nil
		entry.mu.Unlock()
	}
	m.entries = nil
	m.closed = true
}

func (m *Manager) find(queryID string) *Result {
	if m == nil || queryID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(queryID)
}

func (m *Manager) lookupLocked(queryID string) *Result {
	for _, e := range m.entries {
		if e.queryID == queryID {
			return e
		}
	}
	return nil
}
