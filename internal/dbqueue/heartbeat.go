package dbqueue

import (
	"context"
	"time"
)

// reconnectThreshold is how many consecutive failed health checks trigger
// a reconnect attempt.
const reconnectThreshold = 3

// StartHeartbeat launches the queue's connection monitor. Every interval
// it health-checks the queue's handle; after reconnectThreshold
// consecutive failures it tears the connection down and reconnects.
// The monitor stops at Shutdown.
func (q *Queue) StartHeartbeat() {
	interval := q.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.shutdown:
				return
			case <-ticker.C:
				q.performHeartbeat()
			}
		}
	}()
}

func (q *Queue) performHeartbeat() {
	handle := q.Handle()
	if handle == nil {
		q.reconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if q.eng.HealthCheck(ctx, handle) {
		return
	}

	failures := handle.FailureCount()
	q.log.Warnf("health check failed (%d consecutive)", failures)
	if failures >= reconnectThreshold {
		q.reconnect()
	}
}

// reconnect drops the current connection and establishes a fresh one.
// The old handle's prepared statements die with it.
func (q *Queue) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if h := q.Handle(); h != nil {
		if err := q.eng.Disconnect(ctx, h); err != nil {
			q.log.ErrorWith("disconnect during reconnect failed", err, nil)
		}
		q.setHandle(nil)
	}

	handle, err := q.eng.Connect(ctx, q.connCfg, q.designator)
	if err != nil {
		q.log.ErrorWith("reconnect failed", err, nil)
		return
	}
	q.setHandle(handle)
	q.log.Info("connection re-established")
}
