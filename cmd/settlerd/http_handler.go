package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxline/intent-settler/internal/node"
	"github.com/fluxline/intent-settler/pkg/common/logger"
)

const version = "0.1.0"

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type NodeHTTPHandler struct {
	version string
	metrics http.Handler
}

func NewNodeHTTPHandler(version string, metrics http.Handler) *NodeHTTPHandler {
	return &NodeHTTPHandler{
		version: version,
		metrics: metrics,
	}
}

func (h *NodeHTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleHealth)
	mux.Handle("/metrics", h.metrics)
}

func (h *NodeHTTPHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	}
	writeJSON(w, http.StatusOK, response)
}

func startHTTPServer(port int, manager *node.Manager) *http.Server {
	mux := http.NewServeMux()

	handler := NewNodeHTTPHandler(version, manager.Metrics().Handler())
	handler.Register(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info(
			"Node HTTP server started",
			"port", port,
			"health_endpoint", "/healthz",
			"metrics_endpoint", "/metrics",
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed to start", "error", err)
		}
	}()

	return server
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to encode response", "status", statusCode, "err", err)
	}
}
