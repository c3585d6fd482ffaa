// Command osdc wires up either the reference storage daemon or a
// small client-side example against it, following the config-load and
// signal-shutdown pattern of the teacher's cmd/server and cmd/mcp.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/congxueyang/osdc/client"
	"github.com/congxueyang/osdc/internal/layout"
	"github.com/congxueyang/osdc/internal/telemetry"
)

func main() {
	mode := flag.String("mode", "daemon", "daemon | client")
	configPath := flag.String("config", "osdc.yaml", "path to config file")
	flag.Parse()

	log, err := telemetry.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "osdc: failed to build logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load config")
		os.Exit(1)
	}

	switch *mode {
	case "daemon":
		runDaemon(cfg, log)
	case "client":
		runClientExample(cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "osdc: unknown -mode %q\n", *mode)
		os.Exit(1)
	}
}

func runDaemon(cfg *Config, log telemetry.Logger) {
	d, err := newDaemon(cfg.Daemon.ListenAddr, cfg.Daemon.DataDir, log)
	if err != nil {
		log.Error("failed to start daemon listener")
		os.Exit(1)
	}

	go func() {
		if err := d.Serve(); err != nil {
			log.Warn("daemon listener stopped")
		}
	}()

	log.Info("daemon listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down daemon")
	d.Close()
}

func runClientExample(cfg *Config, log telemetry.Logger) {
	ctx := context.Background()

	c, err := client.Init(ctx, client.Config{
		OSDTimeout:  cfg.osdTimeout(),
		PoolSize:    cfg.PoolSize,
		MonitorEtcd: cfg.MonitorEndpoints,
		MonitorKey:  cfg.MonitorKey,
	}, log)
	if err != nil {
		log.Error("failed to init client")
		os.Exit(1)
	}
	defer c.Stop()

	fl := layout.FileLayout{StripeUnit: 4 << 20, StripeCount: 1, ObjectSize: 4 << 20}
	vino := layout.Vino{Ino: 1, Snap: layout.NoSnap}

	payload := []byte("hello, osdc")
	if _, err := c.WritePages(ctx, vino, fl, nil, 0, payload, 0, 0, 0, false, false); err != nil {
		log.Error("write failed")
		os.Exit(1)
	}
	if err := c.Sync(ctx); err != nil {
		log.Error("sync failed")
		os.Exit(1)
	}

	plen := uint64(len(payload))
	got, err := c.ReadPages(ctx, vino, fl, 0, &plen, 0, 0)
	if err != nil {
		log.Error("read failed")
		os.Exit(1)
	}
	log.Info(fmt.Sprintf("round trip read %d bytes", len(got)))
}
