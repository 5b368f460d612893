// turnperf measures TURN relay allocation latency, throughput, and packet
// loss by bringing up N concurrent allocations against a server and pacing
// synthetic traffic through each one's own relayed address.
//
// Usage:
//
//	turnperf -a 100 -b 64000 -s 160 turn.example.org
//	turnperf -t -u alice -p secret -metrics-addr :9090 turn.example.org
//
// Runs until interrupted: SIGINT once stops traffic and prints the summary
// after a short grace period; SIGINT twice forces an immediate exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/turnperf/turnperf/internal/allocator"
	"github.com/turnperf/turnperf/internal/config"
	"github.com/turnperf/turnperf/internal/metrics"
	"github.com/turnperf/turnperf/internal/util"
)

// closeGrace is how long a run waits for in-flight REFRESH(0) deallocations
// to complete after SIGINT, before reporting its summary regardless.
const closeGrace = time.Second

func main() {
	os.Exit(run())
}

func run() int {
	def := config.Default()

	numAllocations := flag.Int("a", def.NumAllocations, "number of allocations")
	bitrate := flag.Uint("b", def.Bitrate, "per-allocation target bitrate, bits/second")
	psize := flag.Uint("s", def.PacketSize, "packet size in bytes")
	username := flag.String("u", def.Username, "TURN username")
	password := flag.String("p", def.Password, "TURN password")
	port := flag.Int("P", 0, "override TURN server port")
	indications := flag.Bool("i", false, "use Send/Data indications and permissions instead of channels")
	tcp := flag.Bool("t", false, "TCP transport")
	tlsOverTCP := flag.Bool("T", false, "TLS-over-TCP transport")
	dtlsOverUDP := flag.Bool("D", false, "DTLS-over-UDP transport")
	pollMethod := flag.String("m", "", "reactor polling backend (accepted for CLI compatibility; no-op under Go's runtime poller)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus /metrics on this address for the run's duration")
	flag.Usage = usage

	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		return 2
	}

	logger := log.New(os.Stderr, "turnperf: ", log.LstdFlags)

	cfg := def
	cfg.Host = flag.Arg(0)
	cfg.NumAllocations = *numAllocations
	cfg.Bitrate = *bitrate
	cfg.PacketSize = *psize
	cfg.Username = *username
	cfg.Password = *password
	cfg.TurnIndications = *indications
	cfg.PollMethod = *pollMethod
	cfg.MetricsAddr = *metricsAddr
	if *port != 0 {
		cfg.Port = *port
	}

	if cfg.PollMethod != "" {
		logger.Printf("-m %s: polling backend selection is a no-op under Go's runtime network poller", cfg.PollMethod)
	}

	switch {
	case *tlsOverTCP:
		cfg.Proto, cfg.Secure = config.ProtoTCP, true
	case *tcp:
		cfg.Proto, cfg.Secure = config.ProtoTCP, false
	case *dtlsOverUDP:
		cfg.Proto, cfg.Secure = config.ProtoUDP, true
	default:
		cfg.Proto, cfg.Secure = config.ProtoUDP, false
	}

	if err := cfg.Validate(); err != nil {
		logger.Printf("%v", err)
		return 1
	}

	logger.Printf("%d allocations, %s, %d bit/s, %d byte packets, against %s",
		cfg.NumAllocations, util.ProtocolName(string(cfg.Proto), cfg.Secure), cfg.Bitrate, cfg.PacketSize, cfg.ServerAddr())

	runID := uuid.New()

	var metricsReg *metrics.Registry
	if cfg.MetricsAddr != "" {
		metricsReg = metrics.New(runID.String())
		shutdown, err := metricsReg.Serve(cfg.MetricsAddr, logger)
		if err != nil {
			logger.Printf("%v", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		logger.Printf("metrics: serving /metrics on %s", cfg.MetricsAddr)
	}

	al, err := allocator.New(allocator.Config{
		Server:         cfg.ServerAddr(),
		Proto:          string(cfg.Proto),
		Secure:         cfg.Secure,
		Username:       cfg.Username,
		Password:       cfg.Password,
		NumAllocations: cfg.NumAllocations,
		Bitrate:        cfg.Bitrate,
		PacketSize:     cfg.PacketSize,
		TurnIndicate:   cfg.TurnIndications,
		Lifetime:       cfg.Lifetime,
		Logger:         logger,
		Metrics:        metricsReg,
		RunID:          runID,
		Spin:           spinner(logger),
	})
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel, logger)

	summary, err := al.Run(ctx, closeGrace)
	if err != nil && summary.FailedAllocation != nil {
		logger.Printf("allocation[%d]: %v", summary.FailedAllocation.Index, summary.FailedAllocation.Err)
		return 1
	}
	if err != nil {
		logger.Printf("%v", err)
	}

	printSummary(summary)

	if summary.FailedAllocation != nil {
		return 1
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return 1
	}
	return 0
}

// installSignalHandler cancels ctx on the first SIGINT/SIGTERM (triggering
// the run's graceful stop-and-drain) and forces an immediate exit(2) on the
// second.
func installSignalHandler(cancel context.CancelFunc, logger *log.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Printf("signal received, stopping senders and draining")
		cancel()
		<-sigCh
		logger.Printf("second signal received, forcing exit")
		os.Exit(2)
	}()
}

func spinner(logger *log.Logger) func(sent, recv uint64) {
	start := time.Now()
	return func(sent, recv uint64) {
		fmt.Fprintf(logger.Writer(), "\r[%s] sent=%d recv=%d", time.Since(start).Round(100*time.Millisecond), sent, recv)
	}
}

func printSummary(s allocator.Summary) {
	fmt.Printf("\nrun %s\n", s.RunID)
	fmt.Printf("allocations: %d/%d ready\n", s.NumReady, s.NumAllocations)
	if s.FailedAllocation != nil {
		return
	}
	if s.ServerInfoSet {
		auth := "no"
		if s.ServerAuthed {
			auth = "yes"
		}
		fmt.Printf("server: %s, authentication=%s\n", s.ServerSoftware, auth)
		fmt.Printf("public address: %s\n", s.ServerMappedAddr)
	}
	fmt.Printf("allocation time: min=%s avg=%s max=%s\n", s.AllocTimeMin, s.AllocTimeAvg, s.AllocTimeMax)
	fmt.Printf("traffic: sent=%d recv=%d lost=%d (%.2f%%)\n", s.SentPackets, s.RecvPackets, s.LostPackets, s.LossPercent)
	fmt.Printf("bitrate: send=%.0fbit/s recv=%.0fbit/s\n", s.SendBitrate, s.RecvBitrate)
}

func usage() {
	fmt.Fprintf(os.Stderr, `turnperf [flags] host

Measures TURN relay allocation latency, throughput, and packet loss across N
concurrent allocations.

Flags:
`)
	flag.PrintDefaults()
}
