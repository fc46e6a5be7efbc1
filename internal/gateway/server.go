// Package gateway exposes the process's HTTP surface: a liveness probe,
// a Prometheus metrics endpoint, and the Trigger Evaluator's webhook
// receiver. It owns no business logic of its own — every handler delegates
// to an already-wired collaborator — mirroring the way the teacher's
// internal/gateway.Server builds and serves its mux.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tenantflow/internal/config"
	"github.com/nextlevelbuilder/tenantflow/internal/metrics"
	"github.com/nextlevelbuilder/tenantflow/internal/store"
)

// WebhookHandler accepts one authenticated webhook POST for triggerID,
// satisfied directly by trigger.WebhookAdapter.Handle.
type WebhookHandler func(ctx context.Context, triggerID uuid.UUID, payload json.RawMessage) error

// Server serves /health, /metrics, and /webhooks/<trigger_id>.
type Server struct {
	cfg       config.HTTPConfig
	metrics   *metrics.Registry
	triggers  store.TriggerStore
	onWebhook WebhookHandler
	version   string
	startedAt time.Time

	muxOnce sync.Once
	mux     *http.ServeMux

	httpServer *http.Server
}

// NewServer builds a Server. onWebhook is called only after the request
// has passed authentication for its trigger.
func NewServer(cfg config.HTTPConfig, reg *metrics.Registry, triggers store.TriggerStore, onWebhook WebhookHandler, version string) *Server {
	return &Server{
		cfg:       cfg,
		metrics:   reg,
		triggers:  triggers,
		onWebhook: onWebhook,
		version:   version,
		startedAt: time.Now().UTC(),
	}
}

// BuildMux constructs (once) and returns the server's route table.
func (s *Server) BuildMux() *http.ServeMux {
	s.muxOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", s.handleHealth)
		mux.HandleFunc("/metrics", s.handleMetrics)
		mux.HandleFunc("/webhooks/", s.handleWebhook)
		s.mux = mux
	})
	return s.mux
}

// Start serves the mux on cfg.Host:cfg.Port until ctx is cancelled, then
// shuts down gracefully with a 5s drain window.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.BuildMux(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: http server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime_s":  int(time.Since(s.startedAt).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.WriteExposition()))
}

// handleWebhook dispatches GET verification echoes and POST deliveries for
// /webhooks/<trigger_id>, per spec §6.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	triggerIDStr := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	triggerIDStr = strings.Trim(triggerIDStr, "/")
	if triggerIDStr == "" {
		http.Error(w, "missing trigger id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleWebhookVerify(w, r, triggerIDStr)
	case http.MethodPost:
		s.handleWebhookDeliver(w, r, triggerIDStr)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleWebhookVerify answers a provider's challenge/verification GET by
// echoing back its "challenge" query parameter, the common convention
// among webhook providers that verify an endpoint before sending events.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request, triggerIDStr string) {
	if challenge := r.URL.Query().Get("challenge"); challenge != "" {
		_, _ = w.Write([]byte(challenge))
		return
	}
	w.WriteHeader(http.StatusOK)
}
