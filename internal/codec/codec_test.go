package codec

import (
	"testing"
)

const runningInfoFixture = `{
  "my_node_info": {
    "virtual_ipv4": {"address": {"addr": 177246209}, "network_length": 24},
    "hostname": "local-node",
    "version": "2.1.0",
    "stun_info": {"udp_nat_type": 3, "public_ip": ["203.0.113.7"]}
  },
  "events": ["{\"kind\":\"PeerAdded\"}"],
  "peer_route_pairs": [
    {
      "route": {
        "peer_id": 42,
        "ipv4_addr": {"address": {"addr": 177246210}, "network_length": 24},
        "hostname": "peer-a",
        "cost": 1,
        "path_latency": 12,
        "version": "2.1.0",
        "stun_info": {"udp_nat_type": 6}
      },
      "peer": {
        "peer_id": 42,
        "conns": [
          {
            "conn_id": "c-1",
            "tunnel": {"tunnel_type": "udp"},
            "stats": {"rx_bytes": 1024, "tx_bytes": 2048, "latency_us": 15000},
            "loss_rate": 0.25
          },
          {
            "conn_id": "c-2",
            "tunnel": {"tunnel_type": "tcp"},
            "stats": {"rx_bytes": 512, "tx_bytes": 256, "latency_us": 25000},
            "loss_rate": 0.75
          }
        ]
      }
    },
    {
      "route": {
        "peer_id": 7,
        "hostname": "relay-only",
        "cost": 2,
        "version": "2.0.4"
      }
    }
  ],
  "running": true
}`

func TestDecodeRunningInfo(t *testing.T) {
	t.Parallel()

	snap, err := DecodeRunningInfo([]byte(runningInfoFixture))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !snap.Running {
		t.Fatalf("expected running")
	}
	if snap.Node.VirtualAddr != "10.144.144.1/24" {
		t.Fatalf("node addr=%q", snap.Node.VirtualAddr)
	}
	if snap.Node.NATType != "full_cone" {
		t.Fatalf("node nat=%q", snap.Node.NATType)
	}
	if snap.Node.PublicAddr != "203.0.113.7" {
		t.Fatalf("public addr=%q", snap.Node.PublicAddr)
	}
	if len(snap.Events) != 1 {
		t.Fatalf("events=%d", len(snap.Events))
	}

	if len(snap.Peers) != 2 {
		t.Fatalf("peers=%d", len(snap.Peers))
	}
	// Sorted by peer ID: the relay-only route first.
	relay := snap.Peers[0]
	if relay.PeerID != 7 || len(relay.Conns) != 0 {
		t.Fatalf("relay peer=%+v", relay)
	}
	if relay.VirtualAddr != "" {
		t.Fatalf("relay addr=%q", relay.VirtualAddr)
	}

	peer := snap.Peers[1]
	if peer.PeerID != 42 || peer.Hostname != "peer-a" {
		t.Fatalf("peer=%+v", peer)
	}
	if peer.VirtualAddr != "10.144.144.2/24" {
		t.Fatalf("peer addr=%q", peer.VirtualAddr)
	}
	if peer.NATType != "symmetric" {
		t.Fatalf("peer nat=%q", peer.NATType)
	}
	if got := peer.RxBytes(); got != 1536 {
		t.Fatalf("rx=%d", got)
	}
	if got := peer.TxBytes(); got != 2304 {
		t.Fatalf("tx=%d", got)
	}
	if peer.Conns[0].TunnelType != "udp" || peer.Conns[1].TunnelType != "tcp" {
		t.Fatalf("tunnel types=%v/%v", peer.Conns[0].TunnelType, peer.Conns[1].TunnelType)
	}
}

func TestDecodeRunningInfo_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := DecodeRunningInfo(nil); err == nil {
		t.Fatalf("expected error on empty payload")
	}
	if _, err := DecodeRunningInfo([]byte("{not json")); err == nil {
		t.Fatalf("expected error on malformed payload")
	}
}

func TestFormatIPv4(t *testing.T) {
	t.Parallel()

	if got := FormatIPv4(0x0A000001, 8); got != "10.0.0.1/8" {
		t.Fatalf("got %q", got)
	}
	if got := FormatIPv4(0xFFFFFFFF, 32); got != "255.255.255.255/32" {
		t.Fatalf("got %q", got)
	}
}

func TestNATTypeName_OutOfRange(t *testing.T) {
	t.Parallel()

	if got := NATTypeName(-1); got != "unknown" {
		t.Fatalf("got %q", got)
	}
	if got := NATTypeName(99); got != "unknown" {
		t.Fatalf("got %q", got)
	}
}
