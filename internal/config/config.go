package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr         string
	DataDir      string
	BaseURL      string
	WebhookURL   string
	JPEGQuality  int
	Workers      int
	FetchTimeout time.Duration
}

func Load() Config {
	return Config{
		Addr:         getenv("IMGPROC_ADDR", ":8080"),
		DataDir:      getenv("IMGPROC_DATA_DIR", "local-data"),
		BaseURL:      getenv("IMGPROC_BASE_URL", ""),
		WebhookURL:   getenv("IMGPROC_WEBHOOK_URL", ""),
		JPEGQuality:  getenvInt("IMGPROC_JPEG_QUALITY", 50),
		Workers:      getenvInt("IMGPROC_WORKERS", 4),
		FetchTimeout: getenvDuration("IMGPROC_FETCH_TIMEOUT", 30*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
