package metrics

import (
	"math"
	"sort"
	"time"

	"meshctl/internal/model"
)

// Summary is a basic statistics snapshot over exported telemetry rows.
type Summary struct {
	Count        int
	From         time.Time
	To           time.Time
	AvgLatencyMs float64
	P95LatencyMs float64
	MinLatencyMs float64
	MaxLatencyMs float64
	AvgLossPct   float64
	AvgRxBps     float64
	AvgTxBps     float64
	PeakRxBps    float64
	PeakTxBps    float64
}

// Summarize computes summary statistics for rows at or after since. Local
// rows carry node totals, not path latency, so latency statistics cover
// peer rows only.
func Summarize(items []model.Metric, since time.Time) Summary {
	filtered := make([]model.Metric, 0, len(items))
	for _, m := range items {
		if m.Timestamp.After(since) || m.Timestamp.Equal(since) {
			filtered = append(filtered, m)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	latencies := make([]float64, 0, len(filtered))
	var sumLatency, sumLoss, sumRx, sumTx float64
	minLatency := math.MaxFloat64
	maxLatency := 0.0
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp
	out := Summary{Count: len(filtered)}

	for _, m := range filtered {
		if m.PeerKey != "local" {
			latencies = append(latencies, m.LatencyMs)
			sumLatency += m.LatencyMs
			if m.LatencyMs < minLatency {
				minLatency = m.LatencyMs
			}
			if m.LatencyMs > maxLatency {
				maxLatency = m.LatencyMs
			}
		}
		sumLoss += m.LossPct
		sumRx += m.RxBps
		sumTx += m.TxBps
		if m.RxBps > out.PeakRxBps {
			out.PeakRxBps = m.RxBps
		}
		if m.TxBps > out.PeakTxBps {
			out.PeakTxBps = m.TxBps
		}
		if m.Timestamp.Before(from) {
			from = m.Timestamp
		}
		if m.Timestamp.After(to) {
			to = m.Timestamp
		}
	}

	count := float64(len(filtered))
	out.From = from
	out.To = to
	out.AvgLossPct = sumLoss / count
	out.AvgRxBps = sumRx / count
	out.AvgTxBps = sumTx / count

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		out.AvgLatencyMs = sumLatency / float64(len(latencies))
		out.P95LatencyMs = percentile(latencies, 0.95)
		out.MinLatencyMs = minLatency
		out.MaxLatencyMs = maxLatency
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
