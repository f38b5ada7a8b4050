package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/okra-platform/authzfilter/internal/allocstats"
	"github.com/okra-platform/authzfilter/internal/proxy"
	"github.com/okra-platform/authzfilter/internal/upstream"
	"github.com/okra-platform/authzfilter/internal/wasm"
)

// AdminServer exposes health, metrics and runtime state of the proxy.
type AdminServer interface {
	Start(ctx context.Context, addr string) error
	Handler() http.Handler
}

// Source is the part of the proxy the admin server reads from.
type Source interface {
	Stats(ctx context.Context) ([]proxy.WorkerStats, error)
	Instrumentation() allocstats.Instrumentation
	Upstreams() *upstream.Registry
}

type adminServer struct {
	source   Source
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	started  time.Time

	server *http.Server
}

// WorkersResponse is returned by /api/v1/workers.
type WorkersResponse struct {
	Workers   []proxy.WorkerStats       `json:"workers"`
	Upstreams []string                  `json:"upstreams"`
	Pools     map[string]wasm.PoolStats `json:"pools,omitempty"`
}

// AllocStatsResponse is returned by /api/v1/allocstats.
type AllocStatsResponse struct {
	Enabled        bool   `json:"enabled"`
	BytesAllocated uint64 `json:"bytes_allocated"`
	Allocations    uint64 `json:"allocations"`
	Deallocations  uint64 `json:"deallocations"`
	Live           int64  `json:"live"`
	Leaks          uint64 `json:"leaks"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewAdminServer creates a new admin server
func NewAdminServer(source Source, gatherer prometheus.Gatherer, logger zerolog.Logger) AdminServer {
	return &adminServer{
		source:   source,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "admin").Logger(),
		started:  time.Now(),
	}
}

func (s *adminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/workers", s.handleWorkers)
	mux.HandleFunc("/api/v1/allocstats", s.handleAllocStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *adminServer) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{Handler: s.Handler()}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

func (s *adminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.sendJSON(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *adminServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.source.Stats(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("collecting worker stats")
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := WorkersResponse{Workers: stats}
	if reg := s.source.Upstreams(); reg != nil {
		resp.Upstreams = reg.Names()
		if pools := reg.PoolStats(); len(pools) > 0 {
			resp.Pools = pools
		}
	}
	s.sendJSON(w, resp)
}

func (s *adminServer) handleAllocStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	instr := s.source.Instrumentation()
	if instr == nil || !instr.Enabled() {
		s.sendJSON(w, AllocStatsResponse{})
		return
	}

	snap := instr.Snapshot(allocstats.RequestEnd)
	resp := AllocStatsResponse{
		Enabled:        true,
		BytesAllocated: snap.BytesAllocated,
		Allocations:    snap.Allocations,
		Deallocations:  snap.Deallocations,
		Live:           snap.Live(),
	}
	if stats, err := s.source.Stats(r.Context()); err == nil {
		for _, ws := range stats {
			resp.Leaks += ws.Filter.Leaks
		}
	}
	s.sendJSON(w, resp)
}

func (s *adminServer) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("writing admin response")
	}
}

// sendError sends an error response
func (s *adminServer) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&ErrorResponse{
		Error: message,
	})
}
