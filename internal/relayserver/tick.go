package relayserver

import (
	"context"
	"time"

	"github.com/northmatt/tickrelay/internal/debug"
	"github.com/northmatt/tickrelay/internal/protocol"
)

// runTick replicates positions at a fixed rate. Each iteration sleeps only
// for what is left of the interval after the previous tick's work, so the
// cadence does not drift.
func (rs *RelayServer) runTick(ctx context.Context) {
	interval := rs.cfg.TickInterval()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	prev := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		if work := time.Since(prev); work < interval {
			timer.Reset(interval - work)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else if work > 2*interval {
			rs.logger.Warn().
				Dur("behind", work-interval).
				Msg("tick loop is falling behind")
		}

		prev = time.Now()
		rs.replicate()
	}
}

// replicate runs one tick. It broadcasts a snapshot only when some position
// changed since the previous one and reports whether it did.
func (rs *RelayServer) replicate() bool {
	rs.tick.Add(1)

	if !rs.dirty.CompareAndSwap(true, false) {
		return false
	}

	clients := rs.registry.All()
	frame, err := (&protocol.Transforms{
		Unreliable: true,
		Entries:    entries(clients),
	}).MarshalBinary()
	debug.Assert(err == nil)

	rs.broadcast(clients, frame)
	rs.spectators.Publish(frame)
	rs.metrics.SnapshotsSent.Add(1)

	return true
}
