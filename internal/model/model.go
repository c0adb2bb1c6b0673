package model

import (
	"time"

	"github.com/google/uuid"
)

// TunnelStatus is the coarse lifecycle state of the mesh tunnel, as reported
// by the external tunnel service. Application code only ever assigns the
// optimistic Connecting/Disconnecting values; everything else arrives via
// push notifications.
type TunnelStatus int

const (
	StatusInvalid TunnelStatus = iota
	StatusDisconnected
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusReasserting
)

func (s TunnelStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusReasserting:
		return "reasserting"
	default:
		return "invalid"
	}
}

// Terminal reports whether s ends a connected period. Session and telemetry
// state is cleared on transition into a terminal status.
func (s TunnelStatus) Terminal() bool {
	return s == StatusDisconnected || s == StatusInvalid
}

// Session identifies one continuous connected period. A fresh session is
// minted on every transition into StatusConnected; telemetry fetched under an
// older session must be discarded, not published.
type Session struct {
	ID string
	// ConnectedAt is the tunnel service's own connect timestamp, not the
	// local clock at notification-delivery time.
	ConnectedAt time.Time
}

// NewSession mints a session for a connection established at the given time.
func NewSession(connectedAt time.Time) Session {
	return Session{ID: uuid.NewString(), ConnectedAt: connectedAt}
}

// NodeInfo describes the local node as reported in a status snapshot.
type NodeInfo struct {
	VirtualAddr string
	Hostname    string
	Version     string
	NATType     string
	PublicAddr  string
}

// ConnStats are cumulative counters for one peer connection. Byte counters
// are monotonically non-decreasing for the lifetime of the connection and
// reset to zero when it is re-established.
type ConnStats struct {
	RxBytes   uint64
	TxBytes   uint64
	LatencyUs uint64
}

// PeerConn is one transport connection to a peer.
type PeerConn struct {
	ConnID     string
	TunnelType string
	Stats      *ConnStats
	LossRate   float64
}

// PeerRecord is one peer as seen at a single poll instant. PeerID is stable
// across polls for the same underlying connection; the aggregator keys its
// prior-sample lookup by it.
type PeerRecord struct {
	PeerID   uint32
	Hostname string
	// VirtualAddr is the dotted-quad/prefix rendering of the peer's mesh
	// address; empty when the peer has no reachable address yet.
	VirtualAddr string
	Cost        int
	PathLatency int64
	Version     string
	NATType     string
	Conns       []PeerConn
	Local       bool
}

// RxBytes sums cumulative received bytes over all of the peer's connections.
func (p PeerRecord) RxBytes() uint64 {
	var total uint64
	for _, c := range p.Conns {
		if c.Stats != nil {
			total += c.Stats.RxBytes
		}
	}
	return total
}

// TxBytes sums cumulative sent bytes over all of the peer's connections.
func (p PeerRecord) TxBytes() uint64 {
	var total uint64
	for _, c := range p.Conns {
		if c.Stats != nil {
			total += c.Stats.TxBytes
		}
	}
	return total
}

// Snapshot is decoded telemetry at one poll instant.
type Snapshot struct {
	Node     NodeInfo
	Peers    []PeerRecord
	Events   []string
	Running  bool
	ErrorMsg string
}

// TotalRxBytes sums cumulative received bytes across all peers.
func (s Snapshot) TotalRxBytes() uint64 {
	var total uint64
	for _, p := range s.Peers {
		total += p.RxBytes()
	}
	return total
}

// TotalTxBytes sums cumulative sent bytes across all peers.
func (s Snapshot) TotalTxBytes() uint64 {
	var total uint64
	for _, p := range s.Peers {
		total += p.TxBytes()
	}
	return total
}

// SpeedSample is an instantaneous transfer rate derived from two snapshots.
type SpeedSample struct {
	RxBytesPerSec float64
	TxBytesPerSec float64
}

// Metric is one exported telemetry row, flattened for CSV storage. PeerKey
// is "local" for the node's own row, the peer id otherwise.
type Metric struct {
	Timestamp   time.Time
	SessionID   string
	PeerKey     string
	Hostname    string
	VirtualAddr string
	RxBps       float64
	TxBps       float64
	LatencyMs   float64
	LossPct     float64
	NATType     string
	Conns       int
}

// PollingMode selects the telemetry poll cadence.
type PollingMode int

const (
	ModeLowPower PollingMode = iota
	ModeActive
)

func (m PollingMode) String() string {
	if m == ModeActive {
		return "active"
	}
	return "low-power"
}

// ModeFor derives the polling mode from demand: active while anyone is
// subscribed or the application is foregrounded, low-power otherwise.
func ModeFor(subscribers int, foreground bool) PollingMode {
	if subscribers > 0 || foreground {
		return ModeActive
	}
	return ModeLowPower
}
