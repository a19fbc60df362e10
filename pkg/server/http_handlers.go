package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBroadcastBody caps the POST /broadcast body
const maxBroadcastBody = 64 * 1024

// HTTPHandler returns the mux for the HTTP side surface
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/sessions", s.SessionsHandler)
	mux.HandleFunc("/broadcast", s.BroadcastHandler)
	mux.HandleFunc("/ws", s.HandleWebSocket)
	return mux
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.registry.CountActive(),
		"events_dropped":  s.events.Dropped(),
	}

	writeJSON(w, http.StatusOK, health)
}

// SessionsHandler serves every known session, active or retired, as JSON
func (s *Server) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// BroadcastHandler sends the request body as a broadcast to every active campus
func (s *Server) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBroadcastBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	text := strings.TrimRight(string(body), "\r\n")
	if text == "" {
		http.Error(w, "Broadcast text must not be empty", http.StatusBadRequest)
		return
	}

	result := s.Broadcast(text)
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
