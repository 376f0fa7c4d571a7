package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// CSVTelemetrySink appends telemetry records to a CSV file, emitting the
// header row only on the file's first write. Flushing is incremental: each
// call appends whatever has accumulated since the last one rather than
// rewriting the whole file.
type CSVTelemetrySink struct {
	path string

	mu         sync.Mutex
	buf        []TelemetryRecord
	wroteHeader bool
}

var telemetryHeader = []string{"timestamp", "latitude", "longitude", "activity", "battery", "diag_flags"}

// NewCSVTelemetrySink targets path; the header is written lazily on the
// first non-empty Flush, even across multiple Flush calls.
func NewCSVTelemetrySink(path string) *CSVTelemetrySink {
	return &CSVTelemetrySink{path: path, wroteHeader: fileHasContent(path)}
}

func (s *CSVTelemetrySink) Append(r TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, r)
}

// Flush is idempotent: flushing an empty buffer is a no-op.
func (s *CSVTelemetrySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", s.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !s.wroteHeader {
		if err := w.Write(telemetryHeader); err != nil {
			return fmt.Errorf("sink: write header: %w", err)
		}
		s.wroteHeader = true
	}
	for _, r := range s.buf {
		row := []string{
			strconv.FormatUint(r.Timestamp, 10),
			strconv.FormatFloat(float64(r.Latitude), 'f', -1, 32),
			strconv.FormatFloat(float64(r.Longitude), 'f', -1, 32),
			strconv.FormatUint(uint64(r.Activity), 10),
			strconv.FormatUint(uint64(r.Battery), 10),
			strconv.FormatUint(uint64(r.DiagFlags), 10),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("sink: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("sink: flush: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

// CSVEmergencySink mirrors CSVTelemetrySink for the emergency schema.
type CSVEmergencySink struct {
	path string

	mu          sync.Mutex
	buf         []EmergencyRecord
	wroteHeader bool
}

var emergencyHeader = []string{"timestamp", "alert_code", "details"}

func NewCSVEmergencySink(path string) *CSVEmergencySink {
	return &CSVEmergencySink{path: path, wroteHeader: fileHasContent(path)}
}

func (s *CSVEmergencySink) Append(r EmergencyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, r)
}

func (s *CSVEmergencySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", s.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !s.wroteHeader {
		if err := w.Write(emergencyHeader); err != nil {
			return fmt.Errorf("sink: write header: %w", err)
		}
		s.wroteHeader = true
	}
	for _, r := range s.buf {
		row := []string{
			strconv.FormatUint(r.Timestamp, 10),
			strconv.FormatUint(uint64(r.AlertCode), 10),
			r.Details,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("sink: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("sink: flush: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

func fileHasContent(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}
