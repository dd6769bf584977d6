package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"time"

	"tunfleet/internal/model"
)

var header = []string{
	"timestamp",
	"device",
	"from",
	"to",
	"server",
	"reason",
}

// FromEvent derives the journal row for a status change.
func FromEvent(ev model.Event) model.Transition {
	ts := ev.Time
	if ts.IsZero() {
		ts = ev.Current.UpdatedAt
	}
	return model.Transition{
		Timestamp: ts,
		Device:    ev.Device,
		From:      ev.Previous.State,
		To:        ev.Current.State,
		Server:    ev.Current.Server,
		Reason:    ev.Reason,
	}
}

// WriteCSV writes transitions to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Transition) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	return writeRecords(writer, items)
}

// AppendCSV appends transitions to path, writing the header only when the
// file is new or empty.
func AppendCSV(path string, items []model.Transition) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
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
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	return file.Sync()
}

func writeRecords(writer *csv.Writer, items []model.Transition) error {
	for _, t := range items {
		record := []string{
			t.Timestamp.UTC().Format(time.RFC3339Nano),
			t.Device,
			string(t.From),
			string(t.To),
			t.Server,
			t.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
