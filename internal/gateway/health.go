package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/guptmilan/chat-server/internal/metrics"
)

// health tracks features whose store is failing. An outage is logged once
// when it starts and once when the feature recovers.
type health struct {
	mu   sync.Mutex
	down map[string]bool
	log  *zap.SugaredLogger
}

func newHealth(log *zap.SugaredLogger) *health {
	return &health{down: make(map[string]bool), log: log}
}

func (h *health) fail(feature string, err error) {
	h.mu.Lock()
	first := !h.down[feature]
	h.down[feature] = true
	h.mu.Unlock()

	if first {
		metrics.DegradedFeatures.WithLabelValues(feature).Set(1)
		h.log.Errorw("feature degraded", "feature", feature, "error", err)
	}
}

func (h *health) ok(feature string) {
	h.mu.Lock()
	was := h.down[feature]
	delete(h.down, feature)
	h.mu.Unlock()

	if was {
		metrics.DegradedFeatures.WithLabelValues(feature).Set(0)
		h.log.Infow("feature recovered", "feature", feature)
	}
}

func (h *health) degraded(feature string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.down[feature]
}
