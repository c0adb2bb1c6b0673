package stats

import (
	"testing"
	"time"

	"meshctl/internal/model"
)

func snapWithCounters(rx, tx uint64) model.Snapshot {
	return model.Snapshot{
		Node: model.NodeInfo{Hostname: "local", VirtualAddr: "10.144.144.1/24"},
		Peers: []model.PeerRecord{
			{
				PeerID:      42,
				VirtualAddr: "10.144.144.2/24",
				Conns: []model.PeerConn{
					{Stats: &model.ConnStats{RxBytes: rx, TxBytes: tx, LatencyUs: 20000}, LossRate: 0.1},
				},
			},
		},
		Running: true,
	}
}

func TestDerive_Rates(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	prev := &Sample{Snap: snapWithCounters(1000, 500), At: t0}
	cur := Sample{Snap: snapWithCounters(3000, 1500), At: t0.Add(2 * time.Second)}

	out := Derive(prev, cur, "sess-1")
	if !out.HasTotal {
		t.Fatalf("expected rates")
	}
	if out.Total.RxBytesPerSec != 1000 || out.Total.TxBytesPerSec != 500 {
		t.Fatalf("total=%+v", out.Total)
	}
	if out.SessionID != "sess-1" {
		t.Fatalf("session=%q", out.SessionID)
	}

	peer := out.Peers[1]
	if !peer.HasSpeed || peer.Speed.RxBytesPerSec != 1000 {
		t.Fatalf("peer speed=%+v", peer.Speed)
	}
}

func TestDerive_SkipsBelowMinResolution(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	prev := &Sample{Snap: snapWithCounters(1000, 500), At: t0}
	cur := Sample{Snap: snapWithCounters(9000, 9000), At: t0.Add(90 * time.Millisecond)}

	out := Derive(prev, cur, "")
	if out.HasTotal {
		t.Fatalf("rate published for dt below resolution")
	}
	for _, p := range out.Peers {
		if p.HasSpeed {
			t.Fatalf("peer speed published for dt below resolution")
		}
	}
}

func TestDerive_CounterResetClampsToZero(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	// Reconnect reset: counters go backwards.
	prev := &Sample{Snap: snapWithCounters(5000, 5000), At: t0}
	cur := Sample{Snap: snapWithCounters(100, 100), At: t0.Add(time.Second)}

	out := Derive(prev, cur, "")
	if !out.HasTotal {
		t.Fatalf("expected a sample")
	}
	if out.Total.RxBytesPerSec != 0 || out.Total.TxBytesPerSec != 0 {
		t.Fatalf("negative delta not clamped: %+v", out.Total)
	}
}

func TestDerive_FirstSampleHasNoRates(t *testing.T) {
	t.Parallel()

	out := Derive(nil, Sample{Snap: snapWithCounters(1000, 500), At: time.Now()}, "")
	if out.HasTotal {
		t.Fatalf("rates on first sample")
	}
	if len(out.Peers) != 2 {
		t.Fatalf("peers=%d", len(out.Peers))
	}
}

func TestDerive_LatencyAndLoss(t *testing.T) {
	t.Parallel()

	snap := model.Snapshot{
		Peers: []model.PeerRecord{
			{
				PeerID: 1,
				Conns: []model.PeerConn{
					{Stats: &model.ConnStats{LatencyUs: 10000}, LossRate: 0.2},
					{Stats: &model.ConnStats{LatencyUs: 30000}, LossRate: 0.4},
				},
			},
			{PeerID: 2}, // no connections: latency undefined, not zero
		},
	}
	out := Derive(nil, Sample{Snap: snap, At: time.Now()}, "")

	var withConns, withoutConns *PeerTelemetry
	for i := range out.Peers {
		switch out.Peers[i].Peer.PeerID {
		case 1:
			withConns = &out.Peers[i]
		case 2:
			withoutConns = &out.Peers[i]
		}
	}
	if withConns == nil || withoutConns == nil {
		t.Fatalf("peers missing: %+v", out.Order)
	}
	if !withConns.HasLatency || withConns.LatencyMs != 20 {
		t.Fatalf("latency=%v has=%v", withConns.LatencyMs, withConns.HasLatency)
	}
	if !withConns.HasLoss || withConns.LossRate < 0.299 || withConns.LossRate > 0.301 {
		t.Fatalf("loss=%v", withConns.LossRate)
	}
	if withoutConns.HasLatency || withoutConns.HasLoss {
		t.Fatalf("undefined latency/loss reported as present")
	}
}

func TestDerive_Ordering(t *testing.T) {
	t.Parallel()

	snap := model.Snapshot{
		Node: model.NodeInfo{Hostname: "local", VirtualAddr: "10.0.0.5/24"},
		Peers: []model.PeerRecord{
			{PeerID: 9}, // no address
			{PeerID: 3, VirtualAddr: "10.0.0.10/24"},
			{PeerID: 8, VirtualAddr: "10.0.0.2/24"},
			{PeerID: 1}, // no address
		},
	}
	out := Derive(nil, Sample{Snap: snap, At: time.Now()}, "")

	want := []string{"local", "8", "3", "1", "9"}
	if len(out.Order) != len(want) {
		t.Fatalf("order=%v", out.Order)
	}
	for i := range want {
		if out.Order[i] != want[i] {
			t.Fatalf("order=%v want %v", out.Order, want)
		}
	}
}

func TestDerive_OrderStableAcrossValueChanges(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	prev := &Sample{Snap: snapWithCounters(1000, 500), At: t0}
	cur := Sample{Snap: snapWithCounters(2000, 900), At: t0.Add(time.Second)}

	a := Derive(nil, *prev, "")
	b := Derive(prev, cur, "")
	if len(a.Order) != len(b.Order) {
		t.Fatalf("order length changed")
	}
	for i := range a.Order {
		if a.Order[i] != b.Order[i] {
			t.Fatalf("order changed on value-only update: %v vs %v", a.Order, b.Order)
		}
	}
}

func TestRateHistory_WindowAndPeak(t *testing.T) {
	t.Parallel()

	h := NewRateHistory(3)
	if h.Peak() != PeakFloorBytesPerSec {
		t.Fatalf("empty peak=%v", h.Peak())
	}

	h.Push(model.SpeedSample{RxBytesPerSec: 10})
	if h.Peak() != PeakFloorBytesPerSec {
		t.Fatalf("peak below floor not floored: %v", h.Peak())
	}

	h.Push(model.SpeedSample{RxBytesPerSec: 5 << 20})
	if h.Peak() != 5<<20 {
		t.Fatalf("peak=%v", h.Peak())
	}

	h.Push(model.SpeedSample{TxBytesPerSec: 2 << 20})
	h.Push(model.SpeedSample{RxBytesPerSec: 1}) // evicts the 10-sample
	if h.Peak() != 5<<20 {
		t.Fatalf("peak=%v", h.Peak())
	}

	// Evicting the peak sample forces the rescan path.
	h.Push(model.SpeedSample{RxBytesPerSec: 2})
	if h.Peak() != 2<<20 {
		t.Fatalf("peak after evicting max=%v", h.Peak())
	}

	got := h.Samples()
	if len(got) != 3 {
		t.Fatalf("window=%d", len(got))
	}
	if got[0].TxBytesPerSec != 2<<20 || got[2].RxBytesPerSec != 2 {
		t.Fatalf("window=%+v", got)
	}
}

func TestRateHistory_Reset(t *testing.T) {
	t.Parallel()

	h := NewRateHistory(0)
	for i := 0; i < DefaultHistorySize+5; i++ {
		h.Push(model.SpeedSample{RxBytesPerSec: float64(i) * (1 << 21)})
	}
	if len(h.Samples()) != DefaultHistorySize {
		t.Fatalf("window=%d", len(h.Samples()))
	}

	h.Reset()
	if len(h.Samples()) != 0 || h.Peak() != PeakFloorBytesPerSec {
		t.Fatalf("reset window=%d peak=%v", len(h.Samples()), h.Peak())
	}
}
