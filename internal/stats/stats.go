// Package stats derives display telemetry from consecutive status snapshots:
// instantaneous transfer rates, per-peer latency/loss means, and the display
// ordering. Derivation is pure given its inputs; the retained previous sample
// belongs to the poller.
package stats

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"meshctl/internal/model"
)

// MinRateResolution is the smallest interval rates are derived over. Below
// it the division amplifies sampling noise, so the rate is skipped entirely,
// never published as zero.
const MinRateResolution = 100 * time.Millisecond

// Sample pairs a snapshot with the instant it was fetched.
type Sample struct {
	Snap model.Snapshot
	At   time.Time
}

// PeerTelemetry is the derived per-peer view at one instant.
type PeerTelemetry struct {
	Peer       model.PeerRecord
	Speed      model.SpeedSample
	HasSpeed   bool
	LatencyMs  float64
	HasLatency bool
	LossRate   float64
	HasLoss    bool
}

// Key identifies the peer for ordering comparisons: stable across polls for
// the same underlying connection.
func (p PeerTelemetry) Key() string {
	if p.Peer.Local {
		return "local"
	}
	return strconv.FormatUint(uint64(p.Peer.PeerID), 10)
}

// Telemetry is one published aggregation result.
type Telemetry struct {
	SessionID string
	At        time.Time
	Node      model.NodeInfo

	// Peers is the full record set in display order; Order carries just the
	// identities in the same order. Consumers compare Order against the
	// previous publication to decide whether an expensive re-layout is
	// needed; value-only changes keep Order identical.
	Peers []PeerTelemetry
	Order []string

	Total    model.SpeedSample
	HasTotal bool
}

// Derive aggregates one snapshot against the previous one. prev may be nil
// (first sample of a session); rates are then undefined, not zero.
func Derive(prev *Sample, cur Sample, sessionID string) Telemetry {
	out := Telemetry{
		SessionID: sessionID,
		At:        cur.At,
		Node:      cur.Snap.Node,
	}

	var dt time.Duration
	rateable := false
	if prev != nil {
		dt = cur.At.Sub(prev.At)
		rateable = dt > MinRateResolution
	}

	if rateable {
		out.Total = rate(prev.Snap.TotalRxBytes(), prev.Snap.TotalTxBytes(),
			cur.Snap.TotalRxBytes(), cur.Snap.TotalTxBytes(), dt)
		out.HasTotal = true
	}

	prevPeers := map[uint32]model.PeerRecord{}
	if prev != nil {
		for _, p := range prev.Snap.Peers {
			prevPeers[p.PeerID] = p
		}
	}

	out.Peers = make([]PeerTelemetry, 0, len(cur.Snap.Peers)+1)
	out.Peers = append(out.Peers, localTelemetry(cur.Snap.Node, out))
	for _, p := range cur.Snap.Peers {
		pt := PeerTelemetry{Peer: p}
		if rateable {
			if old, ok := prevPeers[p.PeerID]; ok {
				pt.Speed = rate(old.RxBytes(), old.TxBytes(), p.RxBytes(), p.TxBytes(), dt)
				pt.HasSpeed = true
			}
		}
		pt.LatencyMs, pt.HasLatency = meanLatencyMs(p)
		pt.LossRate, pt.HasLoss = meanLoss(p)
		out.Peers = append(out.Peers, pt)
	}

	sortPeers(out.Peers)
	out.Order = make([]string, len(out.Peers))
	for i, p := range out.Peers {
		out.Order[i] = p.Key()
	}
	return out
}

// rate derives clamped per-second rates. Cumulative counters reset to zero
// when a connection re-establishes; a negative delta is clamped, never
// published.
func rate(prevRx, prevTx, curRx, curTx uint64, dt time.Duration) model.SpeedSample {
	secs := dt.Seconds()
	var s model.SpeedSample
	if curRx > prevRx {
		s.RxBytesPerSec = float64(curRx-prevRx) / secs
	}
	if curTx > prevTx {
		s.TxBytesPerSec = float64(curTx-prevTx) / secs
	}
	return s
}

func localTelemetry(node model.NodeInfo, out Telemetry) PeerTelemetry {
	return PeerTelemetry{
		Peer: model.PeerRecord{
			Hostname:    node.Hostname,
			VirtualAddr: node.VirtualAddr,
			Version:     node.Version,
			NATType:     node.NATType,
			Local:       true,
		},
		Speed:    out.Total,
		HasSpeed: out.HasTotal,
	}
}

// meanLatencyMs averages the peer's per-connection latency samples. A peer
// with no samples reports no latency, not zero.
func meanLatencyMs(p model.PeerRecord) (float64, bool) {
	var sum float64
	n := 0
	for _, c := range p.Conns {
		if c.Stats == nil {
			continue
		}
		sum += float64(c.Stats.LatencyUs) / 1000.0
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func meanLoss(p model.PeerRecord) (float64, bool) {
	if len(p.Conns) == 0 {
		return 0, false
	}
	var sum float64
	for _, c := range p.Conns {
		sum += c.LossRate
	}
	return sum / float64(len(p.Conns)), true
}

// sortPeers orders for display: the local node first, then peers with a
// reachable address by that address, then address-less peers by id.
func sortPeers(peers []PeerTelemetry) {
	sort.SliceStable(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		if a.Peer.Local != b.Peer.Local {
			return a.Peer.Local
		}
		aAddr, bAddr := a.Peer.VirtualAddr != "", b.Peer.VirtualAddr != ""
		if aAddr != bAddr {
			return aAddr
		}
		if aAddr {
			return addrKey(a.Peer.VirtualAddr) < addrKey(b.Peer.VirtualAddr)
		}
		return a.Peer.PeerID < b.Peer.PeerID
	})
}

// addrKey turns a dotted-quad/prefix address into a numerically sortable key.
func addrKey(addr string) uint64 {
	host := addr
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	var key uint64
	for _, part := range strings.Split(host, ".") {
		n, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return ^uint64(0)
		}
		key = key<<8 | n
	}
	return key
}
