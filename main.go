package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/depthscan/internal/api"
	"github.com/banshee-data/depthscan/internal/config"
	"github.com/banshee-data/depthscan/internal/predict"
	"github.com/banshee-data/depthscan/internal/scan"
	"github.com/banshee-data/depthscan/internal/scandb"
	"github.com/banshee-data/depthscan/internal/version"
)

var (
	listen       = flag.String("listen", ":8080", "Listen address")
	dbPath       = flag.String("db", "depthscan.db", "Path to the session database")
	sourceKind   = flag.String("source", "synthetic", "Capture source: synthetic or replay")
	replayPath   = flag.String("replay", "", "Recorded frame file for -source=replay")
	replayRate   = flag.Float64("rate", 1.0, "Replay speed multiplier (0 = unpaced)")
	seed         = flag.Int64("seed", 42, "Seed for the synthetic capture source")
	tuningPath   = flag.String("tuning", "", "Optional tuning overrides (JSON)")
	predictorURL = flag.String("predictor", "", "Depth-inference service URL; empty runs metric-only fusion")
)

func buildSource() scan.Source {
	switch *sourceKind {
	case "replay":
		return scan.NewReplaySource(*replayPath, *replayRate)
	default:
		return scan.NewSyntheticSource(*seed)
	}
}

func main() {
	flag.Parse()
	log.Printf("depthscan %s", version.String())

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *sourceKind == "replay" && *replayPath == "" {
		log.Fatal("-source=replay requires -replay")
	}

	cfg := scan.DefaultConfig()
	if *tuningPath != "" {
		tuning, err := config.LoadTuningConfig(*tuningPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		cfg = tuning.Apply(cfg)
		log.Printf("Loaded tuning overrides from %s", *tuningPath)
	}

	store, err := scandb.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open session database: %v", err)
	}
	defer store.Close()

	// Without an inference service the pipeline runs metric-only fusion.
	var predictor scan.DepthPredictor
	if *predictorURL != "" {
		predictor = predict.NewRemote(*predictorURL, nil)
		log.Printf("Using depth-inference service at %s", *predictorURL)
	}
	manager := scan.NewManager(store, predictor, cfg)
	server := api.NewServer(manager, buildSource)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(server.ServeMux()),
		}

		go func() {
			log.Printf("Listening on %s", *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		server.Hub().Close()
		log.Printf("HTTP server routine stopped")
	}()

	// On shutdown an in-progress scan is aborted, not completed: the periodic
	// checkpointer has already persisted a resumable snapshot.
	<-ctx.Done()
	if err := manager.AbortScan(); err != nil && err != scan.ErrNoActiveScan {
		log.Printf("abort active scan: %v", err)
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
