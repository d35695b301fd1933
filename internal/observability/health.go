package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// StatusFunc supplies the payload for the /status endpoint
type StatusFunc func() any

// HealthChecker manages health checks for both gRPC and HTTP and serves
// the controller's ops surface
type HealthChecker struct {
	grpcHealth   *health.Server
	httpServer   *http.Server
	logger       *zap.Logger
	mu           sync.RWMutex
	ready        bool
	transport    bool
	hasTransport bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
		ready:      true,
	}
}

// RegisterGRPC registers the health service with the gRPC server
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// StartHTTPServer starts the ops HTTP server. statusFn feeds /status;
// extra routes (e.g. the telemetry websocket) may be registered through
// routes.
func (h *HealthChecker) StartHTTPServer(addr string, statusFn StatusFunc, routes func(r chi.Router)) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var payload any
		if statusFn != nil {
			payload = statusFn()
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Warn("failed to encode status", zap.Error(err))
		}
	})
	if routes != nil {
		routes(r)
	}

	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	h.logger.Info("starting ops HTTP server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the health checker
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	h.mu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetTransportReady sets the channel transport readiness status
func (h *HealthChecker) SetTransportReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transport = ready
	h.hasTransport = true
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	transport := h.transport
	hasTransport := h.hasTransport
	h.mu.RUnlock()

	if ready && (!hasTransport || transport) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}
