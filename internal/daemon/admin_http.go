package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildmaster/internal/metrics"
	"git.home.luguber.info/inful/buildmaster/internal/services"
)

// AdminServer serves the operational HTTP surface: health, metrics, service
// status and canceller introspection.
type AdminServer struct {
	addr   string
	daemon *Daemon

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewAdminServer creates a stopped admin server.
func NewAdminServer(addr string, daemon *Daemon) *AdminServer {
	return &AdminServer{addr: addr, daemon: daemon}
}

// Name implements services.ManagedService.
func (a *AdminServer) Name() string { return "admin-http" }

// Dependencies returns the canceller, which the introspection endpoints read.
func (a *AdminServer) Dependencies() []string { return []string{"canceller"} }

// Start binds the listen address and serves in the background.
func (a *AdminServer) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	return a.StartWithListener(ln)
}

// StartWithListener serves on a caller-supplied listener, used by tests to
// bind an ephemeral port.
func (a *AdminServer) StartWithListener(ln net.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.server = &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	a.running = true

	slog.Info("Admin HTTP server listening", "addr", ln.Addr().String())
	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Admin HTTP server failed", "error", err)
		}
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()
	return nil
}

// Health implements services.HealthReporter.
func (a *AdminServer) Health() services.HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return services.Healthy()
	}
	return services.Unhealthy("server not running")
}

// Stop shuts the server down gracefully.
func (a *AdminServer) Stop(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Handler builds the admin mux.
func (a *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleHealth)
	mux.Handle("/metrics", metrics.HTTPHandler(a.daemon.Registry()))
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /api/v1/buildrequests/{id}/tracked", a.handleTracked)

	return mux
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	for _, info := range a.daemon.Orchestrator().GetAllServiceInfo() {
		if info.Health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy: " + info.Name))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"services":               a.daemon.Orchestrator().GetAllServiceInfo(),
		"tracked_buildrequests":  a.daemon.Canceller().TrackedCount(),
		"canceller_filter_count": len(a.daemon.Config().Canceller.Filters),
	})
}

func (a *AdminServer) handleTracked(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid build request id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buildrequestid": id,
		"tracked":        a.daemon.Canceller().IsBuildRequestTracked(id),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode admin response", "error", err)
	}
}
