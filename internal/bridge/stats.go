package bridge

import (
	"sync/atomic"
	"time"
)

// Stats counts bridge traffic for the status endpoint. All counters are
// atomic so the pipelines never contend with status readers.
type Stats struct {
	started time.Time

	modemRx     atomic.Uint64
	modemTx     atomic.Uint64
	meshRx      atomic.Uint64
	meshTx      atomic.Uint64
	droppedDup  atomic.Uint64
	droppedEcho atomic.Uint64
	noRoute     atomic.Uint64
	ackTimeouts atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	ModemRx       uint64  `json:"modem_rx"`
	ModemTx       uint64  `json:"modem_tx"`
	MeshRx        uint64  `json:"mesh_rx"`
	MeshTx        uint64  `json:"mesh_tx"`
	DroppedDup    uint64  `json:"dropped_duplicate"`
	DroppedEcho   uint64  `json:"dropped_echo"`
	NoRoute       uint64  `json:"no_route_matched"`
	AckTimeouts   uint64  `json:"ack_timeouts"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: time.Since(s.started).Seconds(),
		ModemRx:       s.modemRx.Load(),
		ModemTx:       s.modemTx.Load(),
		MeshRx:        s.meshRx.Load(),
		MeshTx:        s.meshTx.Load(),
		DroppedDup:    s.droppedDup.Load(),
		DroppedEcho:   s.droppedEcho.Load(),
		NoRoute:       s.noRoute.Load(),
		AckTimeouts:   s.ackTimeouts.Load(),
	}
}
