package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"tunfleet/internal/model"
)

// ReadCSV loads transitions from a CSV journal.
func ReadCSV(path string) ([]model.Transition, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Transition, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
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

	items := make([]model.Transition, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		items = append(items, model.Transition{
			Timestamp: ts,
			Device:    rec[1],
			From:      model.TunnelState(rec[2]),
			To:        model.TunnelState(rec[3]),
			Server:    rec[4],
			Reason:    rec[5],
		})
	}

	return items, nil
}
