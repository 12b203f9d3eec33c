package relayserver

import (
	"sync/atomic"
)

// Metrics are process-lifetime counters, read by the admin surface.
type Metrics struct {
	Accepted        atomic.Int64 // tcp connections accepted
	Admitted        atomic.Int64 // handshakes that completed
	Rejected        atomic.Int64 // connections refused because every id was taken
	HandshakeFailed atomic.Int64 // timeouts, early drops, shutdown
	Disconnected    atomic.Int64 // admitted clients that left
	PositionUpdates atomic.Int64
	PositionDropped atomic.Int64 // unknown id or spoofed address
	Malformed       atomic.Int64 // frames and datagrams that did not parse
	EarlyFrames     atomic.Int64 // tcp frames that arrived before admission
	ChatRelayed     atomic.Int64
	SnapshotsSent   atomic.Int64
	SendErrors      atomic.Int64
	DispatchBacklog atomic.Int64 // dispatch passes that hit the batch cap
}

func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"accepted":         m.Accepted.Load(),
		"admitted":         m.Admitted.Load(),
		"rejected":         m.Rejected.Load(),
		"handshake_failed": m.HandshakeFailed.Load(),
		"disconnected":     m.Disconnected.Load(),
		"position_updates": m.PositionUpdates.Load(),
		"position_dropped": m.PositionDropped.Load(),
		"malformed":        m.Malformed.Load(),
		"early_frames":     m.EarlyFrames.Load(),
		"chat_relayed":     m.ChatRelayed.Load(),
		"snapshots_sent":   m.SnapshotsSent.Load(),
		"send_errors":      m.SendErrors.Load(),
		"dispatch_backlog": m.DispatchBacklog.Load(),
	}
}
