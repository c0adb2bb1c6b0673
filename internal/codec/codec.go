// Package codec decodes the mesh core's running-info wire format into typed
// telemetry entities. Decoding is a pure function of the payload; no state is
// retained between calls.
package codec

import (
	"encoding/json"
	"fmt"
	"sort"

	"meshctl/internal/model"
)

// Wire shapes for the core's running-info JSON. Field names follow the core's
// serialization exactly.

type wireAddr struct {
	Addr uint32 `json:"addr"`
}

type wireInet struct {
	Address       wireAddr `json:"address"`
	NetworkLength int      `json:"network_length"`
}

type wireStunInfo struct {
	UDPNatType int      `json:"udp_nat_type"`
	PublicIP   []string `json:"public_ip"`
}

type wireNodeInfo struct {
	VirtualIPv4 *wireInet     `json:"virtual_ipv4"`
	Hostname    string        `json:"hostname"`
	Version     string        `json:"version"`
	StunInfo    *wireStunInfo `json:"stun_info"`
}

type wireRoute struct {
	PeerID      uint32        `json:"peer_id"`
	IPv4Addr    *wireInet     `json:"ipv4_addr"`
	Hostname    string        `json:"hostname"`
	Cost        int           `json:"cost"`
	PathLatency int64         `json:"path_latency"`
	Version     string        `json:"version"`
	StunInfo    *wireStunInfo `json:"stun_info"`
}

type wireConnStats struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	LatencyUs uint64 `json:"latency_us"`
}

type wireTunnel struct {
	TunnelType string `json:"tunnel_type"`
}

type wireConn struct {
	ConnID   string         `json:"conn_id"`
	Tunnel   *wireTunnel    `json:"tunnel"`
	Stats    *wireConnStats `json:"stats"`
	LossRate float64        `json:"loss_rate"`
}

type wirePeer struct {
	PeerID uint32     `json:"peer_id"`
	Conns  []wireConn `json:"conns"`
}

type wirePeerRoutePair struct {
	Route *wireRoute `json:"route"`
	Peer  *wirePeer  `json:"peer"`
}

type wireRunningInfo struct {
	MyNodeInfo     *wireNodeInfo       `json:"my_node_info"`
	Events         []string            `json:"events"`
	PeerRoutePairs []wirePeerRoutePair `json:"peer_route_pairs"`
	Running        bool                `json:"running"`
	ErrorMsg       *string             `json:"error_msg"`
}

// NAT classifications used by the core's stun_info. Indexes match the core's
// NAT-type enum on the wire.
var natTypeNames = []string{
	"unknown",
	"open_internet",
	"no_pat",
	"full_cone",
	"restricted",
	"port_restricted",
	"symmetric",
	"symmetric_udp_firewall",
	"symmetric_easy_inc",
	"symmetric_easy_dec",
}

// NATTypeName renders the core's numeric NAT classification.
func NATTypeName(code int) string {
	if code < 0 || code >= len(natTypeNames) {
		return "unknown"
	}
	return natTypeNames[code]
}

// FormatIPv4 renders a packed big-endian IPv4 address with prefix length as
// dotted-quad/prefix.
func FormatIPv4(addr uint32, networkLength int) string {
	return fmt.Sprintf("%d.%d.%d.%d/%d",
		byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr), networkLength)
}

// DecodeRunningInfo parses one running-info payload into a Snapshot. Pairs
// with no route entry are dropped; a route with no matching peer yields a
// PeerRecord with no connections (reachable through the mesh but not directly
// connected).
func DecodeRunningInfo(data []byte) (model.Snapshot, error) {
	if len(data) == 0 {
		return model.Snapshot{}, fmt.Errorf("empty running-info payload")
	}

	var wire wireRunningInfo
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode running info: %w", err)
	}

	snap := model.Snapshot{
		Events:  wire.Events,
		Running: wire.Running,
	}
	if wire.ErrorMsg != nil {
		snap.ErrorMsg = *wire.ErrorMsg
	}
	if wire.MyNodeInfo != nil {
		snap.Node = decodeNodeInfo(*wire.MyNodeInfo)
	}

	snap.Peers = make([]model.PeerRecord, 0, len(wire.PeerRoutePairs))
	for _, pair := range wire.PeerRoutePairs {
		if pair.Route == nil {
			continue
		}
		snap.Peers = append(snap.Peers, decodePair(*pair.Route, pair.Peer))
	}
	// Stable input order for downstream diffing. Display order is decided by
	// the aggregator, not here.
	sort.SliceStable(snap.Peers, func(i, j int) bool {
		return snap.Peers[i].PeerID < snap.Peers[j].PeerID
	})

	return snap, nil
}

func decodeNodeInfo(wire wireNodeInfo) model.NodeInfo {
	info := model.NodeInfo{
		Hostname: wire.Hostname,
		Version:  wire.Version,
		NATType:  NATTypeName(0),
	}
	if wire.VirtualIPv4 != nil {
		info.VirtualAddr = FormatIPv4(wire.VirtualIPv4.Address.Addr, wire.VirtualIPv4.NetworkLength)
	}
	if wire.StunInfo != nil {
		info.NATType = NATTypeName(wire.StunInfo.UDPNatType)
		if len(wire.StunInfo.PublicIP) > 0 {
			info.PublicAddr = wire.StunInfo.PublicIP[0]
		}
	}
	return info
}

func decodePair(route wireRoute, peer *wirePeer) model.PeerRecord {
	rec := model.PeerRecord{
		PeerID:      route.PeerID,
		Hostname:    route.Hostname,
		Cost:        route.Cost,
		PathLatency: route.PathLatency,
		Version:     route.Version,
		NATType:     NATTypeName(0),
	}
	if route.IPv4Addr != nil {
		rec.VirtualAddr = FormatIPv4(route.IPv4Addr.Address.Addr, route.IPv4Addr.NetworkLength)
	}
	if route.StunInfo != nil {
		rec.NATType = NATTypeName(route.StunInfo.UDPNatType)
	}
	if peer == nil {
		return rec
	}

	rec.Conns = make([]model.PeerConn, 0, len(peer.Conns))
	for _, conn := range peer.Conns {
		pc := model.PeerConn{
			ConnID:   conn.ConnID,
			LossRate: conn.LossRate,
		}
		if conn.Tunnel != nil {
			pc.TunnelType = conn.Tunnel.TunnelType
		}
		if conn.Stats != nil {
			pc.Stats = &model.ConnStats{
				RxBytes:   conn.Stats.RxBytes,
				TxBytes:   conn.Stats.TxBytes,
				LatencyUs: conn.Stats.LatencyUs,
			}
		}
		rec.Conns = append(rec.Conns, pc)
	}
	return rec
}
