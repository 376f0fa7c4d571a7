package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVTelemetrySinkHeaderOnceAndAppendOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.csv")
	s := NewCSVTelemetrySink(path)

	s.Append(TelemetryRecord{Timestamp: 1, Latitude: 1.5, Longitude: 2.5, Activity: 1, Battery: 90, DiagFlags: 0})
	require.NoError(t, s.Flush())

	s.Append(TelemetryRecord{Timestamp: 2, Latitude: 1.6, Longitude: 2.6, Activity: 2, Battery: 89, DiagFlags: 1})
	require.NoError(t, s.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Equal(t, 1, countOccurrences(content, "timestamp,latitude"))
	assert.Contains(t, content, "1,1.5,2.5,1,90,0")
	assert.Contains(t, content, "2,1.6,2.6,2,89,1")
}

func TestCSVTelemetrySinkFlushEmptyIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.csv")
	s := NewCSVTelemetrySink(path)
	require.NoError(t, s.Flush())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCSVEmergencySinkRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emergency.csv")
	s := NewCSVEmergencySink(path)
	s.Append(EmergencyRecord{Timestamp: 5, AlertCode: 3, Details: "fall"})
	require.NoError(t, s.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "timestamp,alert_code,details")
	assert.Contains(t, string(data), "5,3,fall")
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
		}
	}
	return count
}
