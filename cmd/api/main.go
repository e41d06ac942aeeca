package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/example/imageproc/api-go/internal/blob"
	"github.com/example/imageproc/api-go/internal/config"
	"github.com/example/imageproc/api-go/internal/engine"
	"github.com/example/imageproc/api-go/internal/events"
	"github.com/example/imageproc/api-go/internal/fetch"
	"github.com/example/imageproc/api-go/internal/httpapi"
	"github.com/example/imageproc/api-go/internal/notify"
	"github.com/example/imageproc/api-go/internal/store"
	"github.com/example/imageproc/api-go/internal/transform"
)

func main() {
	loadDotEnv()
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "jobs.db")
	jobStore, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("open job store: %v", err)
	}
	defer jobStore.Close()

	blobStore := blob.LocalFS{Root: cfg.DataDir}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		baseURL = fmt.Sprintf("http://%s", addr)
	}

	if cfg.WebhookURL == "" {
		log.Printf("no webhook URL configured; completion notifications disabled")
	}

	hub := events.NewHub()
	eng := &engine.Engine{
		Store:       jobStore,
		Blobs:       blobStore,
		Fetcher:     fetch.New(cfg.FetchTimeout),
		Transformer: transform.JPEG{Quality: cfg.JPEGQuality},
		Notifier: &notify.Notifier{
			Endpoint: cfg.WebhookURL,
			Recorder: jobStore,
		},
		Events:  hub,
		Workers: cfg.Workers,
		BaseURL: baseURL,
	}

	server := &httpapi.Server{
		Engine:     eng,
		Store:      jobStore,
		Blobs:      blobStore,
		Hub:        hub,
		WebhookURL: cfg.WebhookURL,
	}

	log.Printf("API listening on %s (baseURL=%s)", cfg.Addr, baseURL)
	if err := http.ListenAndServe(cfg.Addr, server.Router()); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
