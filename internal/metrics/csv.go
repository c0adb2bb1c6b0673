// Package metrics persists telemetry rows as CSV and computes summaries
// over them.
package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"meshctl/internal/model"
)

var header = []string{
	"timestamp",
	"session_id",
	"peer",
	"hostname",
	"virtual_addr",
	"rx_bps",
	"tx_bps",
	"latency_ms",
	"loss_pct",
	"nat_type",
	"conns",
}

// WriteCSV writes rows to CSV with a fixed column order, header included.
func WriteCSV(w io.Writer, items []model.Metric) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(header); err != nil {
		return err
	}
	for _, m := range items {
		if err := writer.Write(record(m)); err != nil {
			return err
		}
	}
	return writer.Error()
}

// AppendCSV appends rows to the file at path, creating it with a header
// first. Not safe for concurrent use across processes; callers serialize.
func AppendCSV(path string, items []model.Metric) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	for _, m := range items {
		if err := writer.Write(record(m)); err != nil {
			return err
		}
	}
	return writer.Error()
}

func record(m model.Metric) []string {
	return []string{
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		m.SessionID,
		m.PeerKey,
		m.Hostname,
		m.VirtualAddr,
		strconv.FormatFloat(m.RxBps, 'f', 3, 64),
		strconv.FormatFloat(m.TxBps, 'f', 3, 64),
		strconv.FormatFloat(m.LatencyMs, 'f', 3, 64),
		strconv.FormatFloat(m.LossPct, 'f', 3, 64),
		m.NATType,
		strconv.Itoa(m.Conns),
	}
}
