// Package dbqueue runs the per-database queue hierarchy. Each configured
// database gets one lead queue with a persistent connection; the lead owns
// migration state and may spawn bounded child queues for different
// priority classes. Requests flow through a channel-backed FIFO to a
// single worker goroutine per queue, which executes against the queue's
// own connection and deposits results in the pending manager.
package dbqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koustreak/Sluice/internal/engine"
	"github.com/koustreak/Sluice/internal/errs"
	"github.com/koustreak/Sluice/internal/logger"
	"github.com/koustreak/Sluice/internal/migrations"
	"github.com/koustreak/Sluice/internal/pending"
)

// Queue roles. A lead queue owns the persistent connection and migration
// state; the others are priority-class children it may spawn.
const (
	RoleLead   = "Lead"
	RoleSlow   = "slow"
	RoleMedium = "medium"
	RoleFast   = "fast"
	RoleCache  = "cache"
)

var childRoles = []string{RoleSlow, RoleMedium, RoleFast, RoleCache}

func validChildRole(role string) bool {
	for _, r := range childRoles {
		if r == role {
			return true
		}
	}
	return false
}

// roleTag is the single-letter designator component for a role.
func roleTag(role string) string {
	switch role {
	case RoleLead:
		return "L"
	case RoleSlow:
		return "S"
	case RoleMedium:
		return "M"
	case RoleFast:
		return "F"
	case RoleCache:
		return "C"
	}
	return "?"
}

// Stats is a snapshot of one queue's counters.
type Stats struct {
	Depth     int
	Processed int64
	Succeeded int64
	Failed    int64
}

// Options configure a lead queue.
type Options struct {
	QueueDepth        int
	MaxChildQueues    int
	QueryTimeout      time.Duration
	HeartbeatInterval time.Duration
	BootstrapQuery    string
}

// Queue is one worker queue bound to one database connection.
type Queue struct {
	name       string
	role       string
	number     int
	designator string
	isLead     bool

	eng      engine.Engine
	handleMu sync.RWMutex
	handle   *engine.DatabaseHandle
	// connMu serialises statement execution on the handle. The worker
	// takes it per request; the migration engine holds it for a whole
	// transaction, so queued requests cannot land inside one.
	connMu  sync.Mutex
	connCfg *engine.ConnectionConfig
	pending *pending.Manager
	log     *logger.Logger
	opts    Options

	requests chan *engine.QueryRequest
	shutdown chan struct{}
	closed   sync.Once
	wg       sync.WaitGroup

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	// lead-only state
	canSpawn      atomic.Bool
	childMu       sync.Mutex
	children      map[string]*Queue
	nextChildNum  int
	migrations    *migrations.Set
	latestApplied atomic.Int64
	migrateMu     sync.Mutex
}

// NewLead connects to the database and returns its lead queue with the
// worker running. The lead owns the persistent connection until Shutdown.
func NewLead(ctx context.Context, name string, eng engine.Engine, connCfg *engine.ConnectionConfig,
	pm *pending.Manager, log *logger.Logger, opts Options) (*Queue, error) {
	if name == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "empty database name")
	}
	if eng == nil || connCfg == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil engine or connection config")
	}
	if pm == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil pending manager")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if log == nil {
		log = logger.Nop()
	}

	q := newQueue(name, RoleLead, 0, eng, connCfg, pm, log, opts)
	q.isLead = true
	q.children = make(map[string]*Queue)
	q.nextChildNum = 1
	q.canSpawn.Store(opts.MaxChildQueues > 0)

	handle, err := eng.Connect(ctx, connCfg, q.designator)
	if err != nil {
		return nil, err
	}
	q.handle = handle

	q.start()
	q.log.Infof("lead queue started for %s", name)
	return q, nil
}

func newQueue(name, role string, number int, eng engine.Engine, connCfg *engine.ConnectionConfig,
	pm *pending.Manager, log *logger.Logger, opts Options) *Queue {
	designator := fmt.Sprintf("%s-%s%02d", name, roleTag(role), number)
	return &Queue{
		name:       name,
		role:       role,
		number:     number,
		designator: designator,
		eng:        eng,
		connCfg:    connCfg,
		pending:    pm,
		log:        log.WithDesignator(designator),
		opts:       opts,
		requests:   make(chan *engine.QueryRequest, opts.QueueDepth),
		shutdown:   make(chan struct{}),
	}
}

func (q *Queue) start() {
	q.wg.Add(1)
	go q.worker()
}

// Name returns the logical database name this queue serves.
func (q *Queue) Name() string { return q.name }

// Role returns the queue's role string.
func (q *Queue) Role() string { return q.role }

// IsLead reports whether this is the database's lead queue.
func (q *Queue) IsLead() bool { return q.isLead }

// Designator returns the queue's logging designator.
func (q *Queue) Designator() string { return q.designator }

// Handle exposes the queue's connection for the health monitor.
func (q *Queue) Handle() *engine.DatabaseHandle {
	q.handleMu.RLock()
	defer q.handleMu.RUnlock()
	return q.handle
}

func (q *Queue) setHandle(h *engine.DatabaseHandle) {
	q.handleMu.Lock()
	q.handle = h
	q.handleMu.Unlock()
}

// Enqueue hands a request to the worker. It rejects a nil request, an
// empty SQL template, and a full or shut-down queue; a false return means
// the request was not accepted and no result will ever be signalled.
func (q *Queue) Enqueue(req *engine.QueryRequest) bool {
	if q == nil || req == nil || req.SQLTemplate == "" {
		return false
	}
	select {
	case <-q.shutdown:
		return false
	default:
	}
	select {
	case q.requests <- req:
		return true
	default:
		q.log.Warnf("queue full, rejecting query %s", req.QueryID)
		return false
	}
}

// worker drains the FIFO one request at a time. Statements on one queue
// execute strictly in submission order because there is exactly one
// worker per connection.
func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.shutdown:
			return
		case req := <-q.requests:
			q.processOne(req)
		}
	}
}

func (q *Queue) processOne(req *engine.QueryRequest) {
	q.processed.Add(1)

	ctx := context.Background()
	if q.opts.QueryTimeout > 0 && req.TimeoutSeconds <= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	q.connMu.Lock()
	result, err := q.eng.Execute(ctx, q.Handle(), req)
	q.connMu.Unlock()
	if err != nil {
		// Pre-engine failure: bad parameters or an unusable request.
		result = engine.FailedResult(err, time.Since(start))
	}

	if result.Success {
		q.succeeded.Add(1)
	} else {
		q.failed.Add(1)
		q.log.With().Str("query_id", req.QueryID).Str("error", result.ErrorMessage).
			Logger().Error("query failed")
	}

	if req.QueryID != "" && !q.pending.SignalReady(req.QueryID, result) {
		// Nothing waiting: the caller never registered or already expired.
		q.log.Debugf("no pending entry for query %s, result dropped", req.QueryID)
	}
}

// Depth returns the number of queued, unprocessed requests.
func (q *Queue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.requests)
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:     q.Depth(),
		Processed: q.processed.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
	}
}

// CanSpawn reports whether this queue may create child queues.
func (q *Queue) CanSpawn() bool { return q.isLead && q.canSpawn.Load() }

// SpawnChild creates a child queue with the given role and its own
// connection. Only a lead queue can spawn; one child per role, bounded by
// MaxChildQueues.
func (q *Queue) SpawnChild(ctx context.Context, role string) (*Queue, error) {
	if !q.isLead {
		return nil, errs.New(errs.ErrKindInvalidInput, "only lead queues spawn children")
	}
	if !validChildRole(role) {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "invalid child queue role %q", role)
	}
	if !q.canSpawn.Load() {
		return nil, errs.New(errs.ErrKindExhausted, "queue spawning disabled")
	}

	q.childMu.Lock()
	defer q.childMu.Unlock()

	if _, exists := q.children[role]; exists {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "child queue %s already running", role)
	}
	if len(q.children) >= q.opts.MaxChildQueues {
		return nil, errs.Newf(errs.ErrKindExhausted, "child queue limit %d reached", q.opts.MaxChildQueues)
	}

	child := newQueue(q.name, role, q.nextChildNum, q.eng, q.connCfg, q.pending, q.log, q.opts)
	handle, err := q.eng.Connect(ctx, q.connCfg, child.designator)
	if err != nil {
		return nil, err
	}
	child.handle = handle
	child.start()

	q.children[role] = child
	q.nextChildNum++
	q.log.Infof("spawned %s child queue", role)
	return child, nil
}

// Child returns the running child queue for role, or nil.
func (q *Queue) Child(role string) *Queue {
	if !q.isLead {
		return nil
	}
	q.childMu.Lock()
	defer q.childMu.Unlock()
	return q.children[role]
}

// ShutdownChild stops and disconnects the child queue for role.
func (q *Queue) ShutdownChild(ctx context.Context, role string) error {
	if !q.isLead {
		return errs.New(errs.ErrKindInvalidInput, "only lead queues manage children")
	}
	q.childMu.Lock()
	child, ok := q.children[role]
	if ok {
		delete(q.children, role)
	}
	q.childMu.Unlock()
	if !ok {
		return errs.Newf(errs.ErrKindNotFound, "no %s child queue", role)
	}
	return child.Shutdown(ctx)
}

// ChildCount returns the number of running child queues.
func (q *Queue) ChildCount() int {
	if !q.isLead {
		return 0
	}
	q.childMu.Lock()
	defer q.childMu.Unlock()
	return len(q.children)
}

// Shutdown stops the worker, tears down any children, and disconnects.
// A lead queue and its migration state are destroyed together.
func (q *Queue) Shutdown(ctx context.Context) error {
	if q == nil {
		return nil
	}

	q.closed.Do(func() { close(q.shutdown) })
	q.wg.Wait()

	var firstErr error
	if q.isLead {
		q.childMu.Lock()
		children := make([]*Queue, 0, len(q.children))
		for _, c := range q.children {
			children = append(children, c)
		}
		q.children = make(map[string]*Queue)
		q.childMu.Unlock()

		for _, c := range children {
			if err := c.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if h := q.Handle(); h != nil {
		if err := q.eng.Disconnect(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
		q.setHandle(nil)
	}
	q.log.Info("queue shut down")
	return firstErr
}
