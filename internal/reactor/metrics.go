package reactor

import (
	"time"

	"github.com/nishisan-dev/vsocks/internal/observability"
)

// metricsSnapshot bundles everything the observability HTTP server needs,
// published atomically once per cycle so the reactor goroutine never shares
// its pool with a request-handling goroutine directly.
type metricsSnapshot struct {
	pool      observability.PoolSnapshot
	relations []observability.RelationEntry
}

// publishMetrics recomputes the snapshot from the pool and stores it,
// grounded on the same counters as stats() but exposed for the HTTP layer
// instead of structured logging.
func (r *Reactor) publishMetrics() {
	snap := r.stats()
	pool := observability.PoolSnapshot{
		ClientForwarding:   snap.ClientForwarding,
		ClientTotal:        snap.ClientTotal,
		UpstreamForwarding: snap.UpstreamForwarding,
		UpstreamTotal:      snap.UpstreamTotal,
		Total:              snap.Total,
		Capacity:           snap.Capacity,
	}

	now := time.Now().Format(time.RFC3339)
	var relations []observability.RelationEntry
	r.pool.Each(func(s *Stream) {
		if s.role != RoleClientSide || s.peer == nil || s.abandoned {
			return
		}
		relations = append(relations, observability.RelationEntry{
			Timestamp:  now,
			ClientFD:   s.fd,
			UpstreamFD: s.peer.fd,
			Dest:       s.origDest.String(),
			Level:      s.level.String(),
			BytesIn:    s.bytesIn,
			BytesOut:   s.peer.bytesIn,
		})
	})

	r.metrics.Store(&metricsSnapshot{pool: pool, relations: relations})
}

// PoolSnapshot implements observability.Metrics.
func (r *Reactor) PoolSnapshot() observability.PoolSnapshot {
	if snap, ok := r.metrics.Load().(*metricsSnapshot); ok && snap != nil {
		return snap.pool
	}
	return observability.PoolSnapshot{}
}

// Relations implements observability.Metrics.
func (r *Reactor) Relations() []observability.RelationEntry {
	if snap, ok := r.metrics.Load().(*metricsSnapshot); ok && snap != nil {
		return snap.relations
	}
	return nil
}
