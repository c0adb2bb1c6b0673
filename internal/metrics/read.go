package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"meshctl/internal/model"
)

// ReadCSV loads telemetry rows from a CSV file.
func ReadCSV(path string) ([]model.Metric, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Metric, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.Metric, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 11 {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		rx, _ := strconv.ParseFloat(rec[5], 64)
		tx, _ := strconv.ParseFloat(rec[6], 64)
		latency, _ := strconv.ParseFloat(rec[7], 64)
		loss, _ := strconv.ParseFloat(rec[8], 64)
		conns, _ := strconv.Atoi(rec[10])
		items = append(items, model.Metric{
			Timestamp:   ts,
			SessionID:   rec[1],
			PeerKey:     rec[2],
			Hostname:    rec[3],
			VirtualAddr: rec[4],
			RxBps:       rx,
			TxBps:       tx,
			LatencyMs:   latency,
			LossPct:     loss,
			NATType:     rec[9],
			Conns:       conns,
		})
	}

	return items, nil
}
