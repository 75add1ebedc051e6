// Command `ibef-server` runs the bench data-acquisition core locally.
//
// It acquires readings from the force and displacement transducers (or from
// the built-in emulation), publishes processed frames at a fixed rate, and
// exposes the JSON API + WebSocket stream used to drive tests and watch
// live data.
//
// Flags:
//
//	-addr:      TCP address to listen on (default 127.0.0.1:8080)
//	-config:    path to sensors config JSON (default ./config/sensors_config.json)
//	-data:      storage root for test artifacts (default ./storage/data)
//	-emulation: override the config emulation flag ("on"/"off", default use config)
//	-log-json:  structured JSON logs instead of console output
//	-console:   interactive hotkey console (zero sensors, drive the test lifecycle)
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/config"
	"github.com/Le-Riz/IBEF-Backend/internal/server"
	"github.com/Le-Riz/IBEF-Backend/service"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:8080", "http listen address")
		cfgPath   = flag.String("config", "./config/sensors_config.json", "path to sensors config JSON")
		dataRoot  = flag.String("data", "./storage/data", "storage root for test artifacts")
		emulation = flag.String("emulation", "", "override emulation mode: on, off, or empty to use config")
		logJSON   = flag.Bool("log-json", false, "emit structured JSON logs")
		console   = flag.Bool("console", false, "enable the interactive hotkey console")
	)
	flag.Parse()

	logger := buildLogger(*logJSON)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cfg := config.Load(*cfgPath, log)
	switch *emulation {
	case "":
	case "on":
		cfg = config.WithEmulation(cfg, true)
	case "off":
		cfg = config.WithEmulation(cfg, false)
	default:
		log.Fatalf("invalid -emulation value %q (want on, off, or empty)", *emulation)
	}

	svc, err := service.New(*dataRoot, cfg, log)
	if err != nil {
		log.Fatalf("failed to build services: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("failed to start services: %v", err)
	}
	defer svc.Stop()

	srv := server.New(svc, log)
	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *addr, err)
	}
	log.Infof("serving on http://%s", *addr)

	httpSrv := &http.Server{Handler: srv.Handler()}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
			stop()
		}
	}()

	if *console {
		go runConsole(ctx, svc, stop, log)
	}

	<-ctx.Done()
	log.Info("shutting down")
	_ = httpSrv.Close()
}

// buildLogger picks console output for interactive use and JSON for
// supervised deployments.
func buildLogger(jsonOut bool) *zap.Logger {
	if jsonOut {
		return zap.Must(zap.NewProduction())
	}
	return zap.Must(zap.NewDevelopment())
}
