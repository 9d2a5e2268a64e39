package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/darwinreplay/backtester/internal/llmharness"
	"github.com/darwinreplay/backtester/internal/runconfig"
	"github.com/darwinreplay/backtester/internal/runner"
	"github.com/darwinreplay/backtester/internal/storage"
)

func main() {
	log.SetFlags(0)

	configPath := flag.String("config", "", "path to run config YAML")
	barsPath := flag.String("bars", "", "path to a JSON bar fixture")
	mock := flag.Bool("mock", false, "use the mock LLM backend instead of an HTTP endpoint")
	llmBaseURL := flag.String("llm-base-url", os.Getenv("BACKTEST_LLM_BASE_URL"), "OpenAI-compatible chat completions endpoint")
	llmAPIKey := flag.String("llm-api-key", os.Getenv("BACKTEST_LLM_API_KEY"), "bearer token for the LLM endpoint")
	flag.Parse()

	if *configPath == "" || *barsPath == "" {
		log.Fatal("usage: backtest -config run.yaml -bars bars.json [-mock]")
	}

	cfg, err := runconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	source, err := runner.NewJSONFileSource(*barsPath)
	if err != nil {
		log.Fatalf("load bars: %v", err)
	}

	if err := os.MkdirAll(cfg.ArtifactsDir, 0o755); err != nil {
		log.Fatalf("create artifacts dir: %v", err)
	}
	storeDir := filepath.Join(cfg.ArtifactsDir, "runs", cfg.RunID, "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		log.Fatalf("create store dir: %v", err)
	}

	candStore, err := storage.OpenCandidateStore(filepath.Join(storeDir, "candidates.sqlite"))
	if err != nil {
		log.Fatalf("open candidate store: %v", err)
	}
	posStore, err := storage.OpenPositionStore(filepath.Join(storeDir, "positions.sqlite"))
	if err != nil {
		log.Fatalf("open position store: %v", err)
	}
	outStore, err := storage.OpenOutcomeStore(filepath.Join(storeDir, "labels.sqlite"))
	if err != nil {
		log.Fatalf("open outcome store: %v", err)
	}

	var backend llmharness.Backend
	if *mock {
		backend = llmharness.NewMockBackend()
	} else {
		if *llmBaseURL == "" {
			log.Fatal("-llm-base-url (or BACKTEST_LLM_BASE_URL) is required unless -mock is set")
		}
		backend = llmharness.NewHTTPBackend(*llmBaseURL, *llmAPIKey, cfg.LLM.Model, 30*time.Second)
	}

	r, err := runner.New(cfg, source, backend, candStore, posStore, outStore, os.Stdout)
	if err != nil {
		log.Fatalf("build runner: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}
