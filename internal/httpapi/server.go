package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/example/imageproc/api-go/internal/blob"
	"github.com/example/imageproc/api-go/internal/engine"
	"github.com/example/imageproc/api-go/internal/events"
	"github.com/example/imageproc/api-go/internal/model"
	"github.com/example/imageproc/api-go/internal/store"
)

type Server struct {
	Engine     *engine.Engine
	Store      *store.SQLite
	Blobs      blob.LocalFS
	Hub        *events.Hub
	WebhookURL string

	upgrader websocket.Upgrader
}

func (s *Server) Router() http.Handler {
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/results/{id}", s.handleResults)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Get("/webhook-logs", s.handleWebhookLogs)
		r.Post("/test-webhook", s.handleTestWebhook)
	})

	r.Get("/processed/*", s.handleProcessedFile)

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(50 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	file, header, err := r.FormFile("csvFile")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'csvFile' file: %w", err))
		return
	}
	defer file.Close()

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != "" && ext != ".csv" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("only CSV files are allowed"))
		return
	}

	id, err := s.Engine.Submit(ctx, file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	go func() {
		if err := s.Engine.Run(context.Background(), id); err != nil {
			log.Printf("job %s failed: %v", id, err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": id,
		"message":   "File uploaded successfully. Use the requestId to check processing status.",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	summary, err := s.Engine.Status(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("request not found"))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	results, err := s.Engine.ResultsFor(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			writeErr(w, http.StatusNotFound, fmt.Errorf("request not found"))
		case errors.Is(err, model.ErrNotReady):
			writeErr(w, http.StatusBadRequest, fmt.Errorf("processing not yet complete"))
		default:
			writeErr(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Engine.Status(r.Context(), id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("request not found"))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade for job %s: %v", id, err)
		return
	}
	s.Hub.Subscribe(id, conn)

	// Drain the connection; an error means the client went away.
	go func() {
		defer s.Hub.Unsubscribe(id, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		limit = value
	}
	entries, err := s.Store.ListDeliveries(ctx, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []model.DeliveryLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	if s.WebhookURL == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no webhook URL configured"))
		return
	}

	testData := map[string]any{
		"requestId": fmt.Sprintf("test-%d", time.Now().UnixMilli()),
		"status":    "test",
		"message":   "This is a test webhook notification",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(testData)

	resp, err := http.Post(s.WebhookURL, "application/json", strings.NewReader(string(body)))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":    false,
			"webhookUrl": s.WebhookURL,
			"error":      err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"webhookUrl":     s.WebhookURL,
		"responseStatus": resp.StatusCode,
	})
}

func (s *Server) handleProcessedFile(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" || raw == "." {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing file path"))
		return
	}
	clean := filepath.Clean(raw)
	if clean == "." || strings.HasPrefix(clean, "..") || strings.Contains(clean, string(filepath.Separator)+"..") {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid file path"))
		return
	}

	relPath := filepath.Join("processed", clean)
	if !s.Blobs.Exists(relPath) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("file not found"))
		return
	}
	f, err := s.Blobs.Open(relPath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	contentType := http.DetectContentType(buf[:n])
	if ext := filepath.Ext(clean); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/plain") {
				contentType = mimeType
			}
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
