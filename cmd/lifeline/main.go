package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/lifeline/internal/api"
	"github.com/banshee-data/lifeline/internal/config"
	"github.com/banshee-data/lifeline/internal/db"
	"github.com/banshee-data/lifeline/internal/dispatch"
	"github.com/banshee-data/lifeline/internal/ingest"
	"github.com/banshee-data/lifeline/internal/monitoring"
	"github.com/banshee-data/lifeline/internal/pipeline"
	"github.com/banshee-data/lifeline/internal/timeutil"
	"github.com/banshee-data/lifeline/internal/vehicle"
	"github.com/banshee-data/lifeline/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run in dev mode (vehicle commands are written to an in-memory port)")
	listen      = flag.String("listen", ":8080", "HTTP listen address (env LIFELINE_LISTEN)")
	grpcListen  = flag.String("grpc-listen", "localhost:50051", "gRPC dispatch stream address (empty disables)")
	udpListen   = flag.String("udp-listen", "", "UDP address for detection frames, e.g. :5600 (empty disables)")
	dbPath      = flag.String("db", "lifeline.db", "Mission log database path (env LIFELINE_DB)")
	configPath  = flag.String("config", "", "JSON config file (defaults built in)")
	vehiclePort = flag.String("vehicle-port", "", "Serial port of the vehicle radio modem (empty disables)")
	vehicleBaud = flag.Int("vehicle-baud", vehicle.DefaultBaudRate, "Vehicle radio modem baud rate")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// envOverride returns the environment value of key when the flag was not
// set explicitly on the command line.
func envOverride(fs *flag.FlagSet, name, key, current string) string {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	if v := os.Getenv(key); v != "" && !set {
		return v
	}
	return current
}

func loadConfig(path string) (*config.RescueConfig, error) {
	if path == "" {
		return config.DefaultRescueConfig(), nil
	}
	return config.LoadRescueConfig(path)
}

func openLink() (vehicle.Link, func(context.Context) error, error) {
	switch {
	case *devMode:
		link := vehicle.NewSerialLink(vehicle.NewTestablePort())
		return link, link.Monitor, nil
	case *vehiclePort != "":
		link, err := vehicle.OpenSerial(*vehiclePort, vehicle.PortOptions{BaudRate: *vehicleBaud})
		if err != nil {
			return nil, nil, err
		}
		return link, link.Monitor, nil
	default:
		return vehicle.NewDisabledLink(), nil, nil
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		log.Printf("lifeline %s", version.String())
		return
	}
	if err := monitoring.SetLevel(*logLevel); err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	*listen = envOverride(flag.CommandLine, "listen", "LIFELINE_LISTEN", *listen)
	*dbPath = envOverride(flag.CommandLine, "db", "LIFELINE_DB", *dbPath)
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open mission log: %v", err)
	}
	defer store.Close()

	link, monitor, err := openLink()
	if err != nil {
		log.Fatalf("failed to open vehicle link: %v", err)
	}
	defer link.Close()

	var publisher *dispatch.Publisher
	var pub pipeline.Publisher
	if *grpcListen != "" {
		dcfg := dispatch.DefaultConfig()
		dcfg.ListenAddr = *grpcListen
		publisher = dispatch.NewPublisher(dcfg, nil)
		pub = publisher
	}

	svc, err := pipeline.New(pipeline.Deps{
		Config:    cfg,
		Clock:     timeutil.RealClock{},
		Log:       store,
		Link:      link,
		Publisher: pub,
	})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}
	defer svc.Close()
	if publisher != nil {
		publisher.SetAlertSource(svc.Aggregator())
	}

	monitoring.Logf("lifeline %s starting", version.String())

	// Create a wait group for the HTTP server, vehicle monitor, ingest and stream routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("vehicle monitor stopped: %v", err)
			}
			monitoring.Logf("vehicle monitor routine terminated")
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.WatchAcks(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("ack watcher stopped: %v", err)
			}
			monitoring.Logf("ack watcher routine terminated")
		}()
	}

	if *udpListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := ingest.NewListener(ingest.Config{
				Address:     *udpListen,
				LogInterval: time.Minute,
				Handler:     svc,
			})
			if err := l.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("UDP ingest stopped: %v", err)
			}
			monitoring.Logf("UDP ingest routine terminated")
		}()
	}

	if publisher != nil {
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start dispatch stream: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			publisher.Stop(5 * time.Second)
			monitoring.Logf("dispatch stream routine stopped")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		var admin api.AdminRoutes
		if a, ok := link.(api.AdminRoutes); ok {
			admin = a
		}
		srv := api.NewServer(svc, api.Options{DB: store, Vehicle: admin, Dispatch: publisher})
		defer srv.Close()

		mux, err := srv.ServeMux()
		if err != nil {
			monitoring.Logf("failed to build routes: %v", err)
			stop()
			return
		}

		server := &http.Server{
			Addr:              *listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			monitoring.Logf("HTTP server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		monitoring.Logf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("HTTP server shutdown error: %v", err)
		}
		monitoring.Logf("HTTP server routine stopped")
	}()

	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
}
