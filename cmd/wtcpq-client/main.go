// Command wtcpq-client runs the client side of the WTCP-Q protocol engine
// against a single server address, or the first reachable one of several.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cppla/wtcpq/config"
	"github.com/cppla/wtcpq/metrics"
	"github.com/cppla/wtcpq/pdu"
	"github.com/cppla/wtcpq/session"
	"github.com/cppla/wtcpq/transport"
	"github.com/cppla/wtcpq/utils"
)

func main() {
	configPath := pflag.String("config", "", "Path to client config file")
	insecure := pflag.Bool("insecure-skip-verify", false, "Skip server certificate verification (testing only)")
	pflag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.NewLogger(cfg.Log)
	defer log.Sync()

	device, err := parseDeviceUUID(cfg.DeviceUUID)
	if err != nil {
		log.Fatal("invalid device_uuid", zap.Error(err))
	}

	rec, err := metrics.NewRecorder()
	if err != nil {
		log.Fatal("failed to start metrics recorder", zap.Error(err))
	}
	defer rec.Shutdown(context.Background())

	tlsConf := &tls.Config{
		NextProtos:         []string{"wtcpq"},
		InsecureSkipVerify: *insecure || cfg.TLS.Insecure,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()
	}()

	conn, err := transport.DialClientWithFailover(ctx, cfg.ServerAddrs, tlsConf, nil, log)
	if err != nil {
		log.Fatal("failed to connect to server", zap.Error(err))
	}

	cs := session.NewClientSession(conn, log, newPlaceholderSensor(), session.ClientConfig{
		DeviceUUID:     device,
		InitialRate:    cfg.InitialRate(),
		GeofenceRadius: cfg.GeofenceRadius,
		IdleTimeout:    cfg.IdleTimeout(),
	}, rec)

	if err := cs.Run(ctx); err != nil {
		log.Warn("session ended", zap.Error(err))
	}
	log.Info("wtcpq-client stopped")
}

func parseDeviceUUID(s string) (pdu.DeviceUUID, error) {
	var id pdu.DeviceUUID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("device_uuid must be hex-encoded: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("device_uuid must decode to %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// newPlaceholderSensor stands in for the host's actual hardware sensor
// acquisition: it reports a fixed reading so the binary is runnable
// standalone. A real deployment wires session.SensorFunc to the host's
// GPS/accelerometer/battery stack instead.
func newPlaceholderSensor() session.SensorSource {
	return session.SensorFunc(func() session.TelemetryReading {
		return session.TelemetryReading{Latitude: 0, Longitude: 0, Activity: 0, Battery: 100, DiagFlags: 0}
	})
}
