// Command wtcpq-server accepts wearable connections and runs the server
// side of the WTCP-Q protocol engine: flag parsing, config load, logger
// sync, and one session per accepted connection tracked in a waitgroup.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cppla/wtcpq/config"
	"github.com/cppla/wtcpq/metrics"
	"github.com/cppla/wtcpq/session"
	"github.com/cppla/wtcpq/sink"
	"github.com/cppla/wtcpq/transport"
	"github.com/cppla/wtcpq/utils"
)

func main() {
	configPath := pflag.String("config", "", "Path to server config file")
	pflag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.NewLogger(cfg.Log)
	defer log.Sync()

	telemetrySink, emergencySink, closeSinks, err := sink.Open(cfg.Sink.Driver, cfg.Sink.TelemetryPath, cfg.Sink.EmergencyPath)
	if err != nil {
		log.Fatal("failed to open sinks", zap.Error(err))
	}
	defer closeSinks()

	if cfg.Sink.GeohashLogging {
		telemetrySink = sink.WithGeohashLogging(telemetrySink, log)
	}

	rec, err := metrics.NewRecorder()
	if err != nil {
		log.Fatal("failed to start metrics recorder", zap.Error(err))
	}
	defer rec.Shutdown(context.Background())

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		log.Fatal("failed to load TLS certificate", zap.Error(err))
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"wtcpq"}}

	ln, err := transport.Listen(cfg.Listen, tlsConf, nil, log)
	if err != nil {
		log.Fatal("failed to listen", zap.Error(err))
	}
	log.Info("wtcpq-server listening", zap.String("addr", cfg.Listen))

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()
		ln.Close()
	}()

	ids := session.NewSessionIDAllocator()
	devices := session.NewDeviceRegistry(10 * time.Minute)
	serverCfg := session.ServerConfig{
		WakeInterval:          cfg.WakeInterval(),
		TelemetryControlEvery: cfg.TelemetryControlEvery,
	}

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("accept failed", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ss := session.NewServerSession(conn, log, ids, telemetrySink, emergencySink, devices, serverCfg, rec)
			if err := ss.Run(ctx); err != nil {
				log.Warn("session ended", zap.Error(err))
			}
		}()
	}
	wg.Wait()
	log.Info("wtcpq-server stopped")
}
