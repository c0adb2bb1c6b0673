package metrics

import (
	"meshctl/internal/model"
	"meshctl/internal/stats"
)

// FromTelemetry flattens one aggregation into CSV rows, one per display row
// in display order. Undefined rates and means become zero-valued columns.
func FromTelemetry(t stats.Telemetry) []model.Metric {
	rows := make([]model.Metric, 0, len(t.Peers))
	for _, p := range t.Peers {
		m := model.Metric{
			Timestamp:   t.At,
			SessionID:   t.SessionID,
			PeerKey:     p.Key(),
			Hostname:    p.Peer.Hostname,
			VirtualAddr: p.Peer.VirtualAddr,
			NATType:     p.Peer.NATType,
			Conns:       len(p.Peer.Conns),
		}
		if p.HasSpeed {
			m.RxBps = p.Speed.RxBytesPerSec
			m.TxBps = p.Speed.TxBytesPerSec
		}
		if p.HasLatency {
			m.LatencyMs = p.LatencyMs
		}
		if p.HasLoss {
			m.LossPct = p.LossRate * 100
		}
		rows = append(rows, m)
	}
	return rows
}
