package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/metrics"
	"github.com/guptmilan/chat-server/internal/session"
)

// Janitor removes registry entries whose session is gone or no longer
// waiting. Such entries are left behind when an instance dies between
// registering a connection and releasing it.
type Janitor struct {
	queue    *Queue
	sessions *session.Store
	log      *zap.SugaredLogger
}

// NewJanitor creates a Janitor over the given queue and session store.
func NewJanitor(queue *Queue, sessions *session.Store, log *zap.SugaredLogger) *Janitor {
	return &Janitor{queue: queue, sessions: sessions, log: log}
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.log.Warnw("sweep failed", "error", err)
			}
		}
	}
}

// Sweep makes one pass over all registries and returns the number of
// entries removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	keys, err := j.queue.AllKeys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var total int64
	for _, key := range keys {
		ids, err := j.queue.Members(ctx, key)
		if err != nil {
			j.log.Warnw("cleanup: read registry", "registry", key, "error", err)
			continue
		}
		for _, id := range ids {
			sess, err := j.sessions.Get(ctx, id)
			if err != nil {
				continue
			}
			if sess != nil && sess.Status == session.StatusWaiting {
				total++
				continue
			}
			if err := j.queue.Remove(ctx, id, key); err != nil {
				j.log.Warnw("cleanup: remove entry", "registry", key, "conn", id, "error", err)
				continue
			}
			removed++
		}
	}

	metrics.QueueSize.Set(float64(total))
	if removed > 0 {
		j.log.Infow("cleanup: removed stale entries", "count", removed)
	}
	return removed, nil
}
