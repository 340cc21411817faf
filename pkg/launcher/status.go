package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jrepp/procvisor/pkg/procmgr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WorkerSource is the view of the supervisor the status server reports on
type WorkerSource interface {
	Workers() []procmgr.WorkerStatus
	Running() bool
}

// StatusServer exposes supervisor state. The gRPC side is the standard
// health service with one entry per worker id plus "" for the supervisor;
// the HTTP side serves /health, /ready, /workers and /metrics.
//
// StatusServer is also a procmgr.EventPublisher: worker lifecycle events
// flip the per-worker serving status.
type StatusServer struct {
	cfg      StatusConfig
	logger   *slog.Logger
	health   *health.Server
	registry *prometheus.Registry

	mu     sync.RWMutex
	source WorkerSource

	grpcServer *grpc.Server
	httpServer *http.Server
	grpcLis    net.Listener
	httpLis    net.Listener
	wg         sync.WaitGroup
}

// NewStatusServer creates a status server. registry may be nil, in which
// case /metrics is not served.
func NewStatusServer(cfg StatusConfig, registry *prometheus.Registry, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &StatusServer{
		cfg:      cfg,
		logger:   logger.With("component", "status"),
		health:   hs,
		registry: registry,
	}
}

// Attach sets the supervisor the HTTP endpoints report on
func (s *StatusServer) Attach(src WorkerSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

// SetServing marks the supervisor itself as serving or not
func (s *StatusServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Publish implements procmgr.EventPublisher
func (s *StatusServer) Publish(event procmgr.Event) {
	switch event.Type {
	case procmgr.EventSpawned, procmgr.EventRestarted:
		s.health.SetServingStatus(string(event.Worker), healthpb.HealthCheckResponse_SERVING)
	case procmgr.EventCrashed, procmgr.EventExited, procmgr.EventSpawnFailed,
		procmgr.EventAbandoned, procmgr.EventStopped, procmgr.EventForceTerminated:
		s.health.SetServingStatus(string(event.Worker), healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// RegisterGRPC registers the health service on an existing server
func (s *StatusServer) RegisterGRPC(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s.health)
}

// Handler returns the HTTP handler for the status endpoints
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ready, workers := s.readiness()
		code := http.StatusOK
		status := "ready"
		if !ready {
			code = http.StatusServiceUnavailable
			status = "not ready"
		}
		writeJSON(w, code, map[string]interface{}{
			"status":  status,
			"workers": workers,
		})
	})

	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		_, workers := s.readiness()
		writeJSON(w, http.StatusOK, workers)
	})

	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return mux
}

// workerView is the JSON shape of one worker
type workerView struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid,omitempty"`
	SpawnID   string    `json:"spawn_id,omitempty"`
	Alive     bool      `json:"alive"`
	Pending   bool      `json:"pending,omitempty"`
	Dropped   bool      `json:"dropped,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LastExit  string    `json:"last_exit,omitempty"`
}

// readiness is true when the supervisor runs and every supervised worker is alive
func (s *StatusServer) readiness() (bool, []workerView) {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()

	if src == nil {
		return false, []workerView{}
	}

	ready := src.Running()
	statuses := src.Workers()
	views := make([]workerView, 0, len(statuses))
	for _, st := range statuses {
		view := workerView{
			ID:        string(st.ID),
			PID:       st.PID,
			SpawnID:   st.SpawnID,
			Alive:     st.Alive,
			Pending:   st.Pending,
			Dropped:   st.Dropped,
			Restarts:  st.Restarts,
			StartedAt: st.StartedAt,
		}
		if st.LastExit != nil {
			view.LastExit = st.LastExit.String()
		}
		if !st.Alive && !st.Dropped {
			ready = false
		}
		views = append(views, view)
	}
	return ready, views
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens on the configured addresses and serves in the background
func (s *StatusServer) Start() error {
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpcLis = lis
		s.grpcServer = grpc.NewServer()
		s.RegisterGRPC(s.grpcServer)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcServer.Serve(lis); err != nil {
				s.logger.Error("grpc status server error", "error", err)
			}
		}()
		s.logger.Info("grpc health service listening", "address", lis.Addr().String())
	}

	if s.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			s.stopGRPC()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLis = lis
		s.httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http status server error", "error", err)
			}
		}()
		s.logger.Info("http status endpoint listening", "address", lis.Addr().String())
	}

	return nil
}

// GRPCAddr returns the bound gRPC address, or "" when disabled
func (s *StatusServer) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when disabled
func (s *StatusServer) HTTPAddr() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// Shutdown marks everything not serving and stops both servers
func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.stopGRPC()

	s.wg.Wait()
	return err
}

func (s *StatusServer) stopGRPC() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

var _ procmgr.EventPublisher = (*StatusServer)(nil)
