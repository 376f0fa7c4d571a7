package sink

import (
	"github.com/mmcloughlin/geohash"
	"go.uber.org/zap"
)

// geohashLoggingTelemetrySink wraps a TelemetrySink and logs a geohash for
// each appended record's (lat, lon) without persisting it, giving
// operators a compact locality key for free-text searching logs without
// doubling up coordinate storage.
type geohashLoggingTelemetrySink struct {
	inner TelemetrySink
	log   *zap.Logger
}

// WithGeohashLogging decorates inner so every Append also logs a geohash.
func WithGeohashLogging(inner TelemetrySink, log *zap.Logger) TelemetrySink {
	return &geohashLoggingTelemetrySink{inner: inner, log: log}
}

func (g *geohashLoggingTelemetrySink) Append(r TelemetryRecord) {
	hash := geohash.Encode(float64(r.Latitude), float64(r.Longitude))
	g.log.Debug("telemetry accepted", zap.Uint64("timestamp", r.Timestamp), zap.String("geohash", hash))
	g.inner.Append(r)
}

func (g *geohashLoggingTelemetrySink) Flush() error {
	return g.inner.Flush()
}
