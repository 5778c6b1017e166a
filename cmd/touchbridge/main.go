package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/braille.touch/internal/api"
	"github.com/banshee-data/braille.touch/internal/broadcast"
	"github.com/banshee-data/braille.touch/internal/config"
	"github.com/banshee-data/braille.touch/internal/gesture"
	"github.com/banshee-data/braille.touch/internal/monitoring"
	"github.com/banshee-data/braille.touch/internal/pipeline"
	"github.com/banshee-data/braille.touch/internal/serialport"
	"github.com/banshee-data/braille.touch/internal/simulator"
	"github.com/banshee-data/braille.touch/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Use the built-in device simulator instead of a serial port")
	listen     = flag.String("listen", "", "Listen address (default from config, :8080)")
	port       = flag.String("port", "", "Serial port to use (ignored in dev mode)")
	baud       = flag.Int("baud", 0, "Serial baud rate (default from config, 115200)")
	configPath = flag.String("config", "", "Path to a bridge JSON config file")
	verbose    = flag.Bool("verbose", false, "Log dropped frames and client churn")
)

type settings struct {
	dev       bool
	listen    string
	port      string
	portOpts  serialport.PortOptions
	gesture   gesture.Config
	queueSize int
}

// loadSettings merges the optional config file with command line flags;
// flags win.
func loadSettings() (settings, error) {
	cfg := &config.BridgeConfig{}
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadBridgeConfig(*configPath); err != nil {
			return settings{}, err
		}
	}

	s := settings{
		dev:       *devMode,
		listen:    cfg.GetListen(),
		port:      cfg.GetSerialPort(),
		portOpts:  cfg.GetPortOptions(),
		gesture:   cfg.GetGestureConfig(),
		queueSize: cfg.GetQueueSize(),
	}
	if *listen != "" {
		s.listen = *listen
	}
	if *port != "" {
		s.port = *port
	}
	if *baud > 0 {
		s.portOpts.BaudRate = *baud
	}
	if !s.dev && s.port == "" {
		return settings{}, errors.New("serial port is required (use -port or -dev)")
	}
	return s, nil
}

func openSource(s settings, open serialport.Opener) (serialport.SerialPorter, error) {
	if s.dev {
		return simulator.New(simulator.Options{}), nil
	}
	p, err := open(s.port, s.portOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open touch device %s: %w", s.port, err)
	}
	return p, nil
}

// run wires the decoder pipeline, broadcaster and HTTP server and blocks
// until ctx is cancelled or the device fails.
func run(ctx context.Context, s settings, open serialport.Opener, ln net.Listener) error {
	dev, err := openSource(s, open)
	if err != nil {
		return err
	}

	classifier, err := gesture.NewClassifier(s.gesture)
	if err != nil {
		dev.Close()
		return fmt.Errorf("invalid gesture settings: %w", err)
	}

	p := pipeline.New(dev, classifier, pipeline.Options{QueueSize: s.queueSize})
	defer p.Close()
	hub := broadcast.NewHub(p)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var runErr error

	// decode the touch stream until shutdown or device failure
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			runErr = err
			log.Printf("touch pipeline stopped: %v", err)
			cancel()
		}
		log.Print("pipeline routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx, p.Events())
		log.Print("broadcast routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(p, hub).ServeMux()
		hub.AttachAdminRoutes(mux)

		server := &http.Server{
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server failed: %v", err)
				cancel()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// WebSocket clients are released by the hub closing, so this is short
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	p.Close()
	wg.Wait()
	return runErr
}

func main() {
	flag.Parse()
	monitoring.SetVerbose(*verbose)

	log.Printf("touchbridge %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	s, err := loadSettings()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", s.listen, err)
	}
	log.Printf("listening on %s", ln.Addr())
	if s.dev {
		log.Print("dev mode: streaming simulated touch frames")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, s, serialport.Open, ln); err != nil {
		log.Fatalf("touchbridge: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
