// Command replay re-sends the detection frames of a packet capture to a
// running lifeline ingest listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lifeline/internal/ingest"
	"github.com/banshee-data/lifeline/internal/monitoring"
)

// Config holds the replay options.
type Config struct {
	PCAPFile string
	Target   string
	Port     uint16
	Paced    bool
	Speed    float64
	DryRun   bool
}

func parseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	var cfg Config
	port := fs.Uint("port", ingest.DefaultPort, "Destination UDP port to extract from the capture")
	fs.StringVar(&cfg.PCAPFile, "pcap", "", "Capture file (pcap or pcapng)")
	fs.StringVar(&cfg.Target, "target", fmt.Sprintf("localhost:%d", ingest.DefaultPort), "Ingest address to send frames to")
	fs.BoolVar(&cfg.Paced, "paced", true, "Reproduce the capture's inter-packet timing")
	fs.Float64Var(&cfg.Speed, "speed", 1.0, "Pacing speed multiplier")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Decode and count frames without sending")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.PCAPFile == "" {
		return Config{}, fmt.Errorf("-pcap is required")
	}
	if *port == 0 || *port > 65535 {
		return Config{}, fmt.Errorf("invalid -port %d", *port)
	}
	if cfg.Speed <= 0 {
		return Config{}, fmt.Errorf("-speed must be positive, got %g", cfg.Speed)
	}
	cfg.Port = uint16(*port)
	return cfg, nil
}

func run(ctx context.Context, cfg Config) error {
	dgs, err := ingest.ReadPCAPFile(cfg.PCAPFile, cfg.Port)
	if err != nil {
		return err
	}
	valid := 0
	for _, dg := range dgs {
		if _, err := ingest.DecodeFrame(dg.Payload); err == nil {
			valid++
		}
	}
	monitoring.Logf("read %d datagrams for port %d from %s (%d decodable frames)", len(dgs), cfg.Port, cfg.PCAPFile, valid)
	if cfg.DryRun || len(dgs) == 0 {
		return nil
	}

	conn, err := ingest.DialUDP(cfg.Target)
	if err != nil {
		return err
	}
	defer conn.Close()

	sent, err := ingest.Replay(ctx, conn, dgs, cfg.Paced, cfg.Speed)
	monitoring.Logf("sent %d/%d datagrams to %s", sent, len(dgs), cfg.Target)
	return err
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("replay failed: %v", err)
	}
}
