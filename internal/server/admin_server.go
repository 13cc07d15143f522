package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kbr-scylla/scylladb-sub001/internal/compaction"
	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"github.com/kbr-scylla/scylladb-sub001/internal/metrics"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/diskmanager"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/sstable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const contentTypeJSON = "application/json"

// Compactions is the compaction surface exposed over HTTP
type Compactions interface {
	Backlog(table string) (float64, error)
	PendingCompactions(table string) (int64, error)
	MajorCompaction(ctx context.Context, table string) (*compaction.Result, error)
	Flush(ctx context.Context, table string) (*sstable.SSTable, error)
}

// Probes answers liveness and readiness probes
type Probes interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Addr         string
	DataDir      string
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Gatherer serves /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer
}

// AdminServer serves probes, metrics and table administration over HTTP
type AdminServer struct {
	httpServer  *http.Server
	compactions Compactions
	probes      Probes
	metrics     *metrics.Metrics
	dataDir     string
	logger      *zap.Logger
	stopChan    chan struct{}
}

// NewAdminServer creates the admin server. m may be nil to skip system metrics.
func NewAdminServer(cfg *AdminServerConfig, c Compactions, probes Probes, m *metrics.Metrics, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &AdminServer{
		compactions: c,
		probes:      probes,
		metrics:     m,
		dataDir:     cfg.DataDir,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(cfg),
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router builds the chi router
func (s *AdminServer) Router(cfg *AdminServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.probes.LivenessHandler)
	r.Get("/ready", s.probes.ReadinessHandler)
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/tables/{table}", func(r chi.Router) {
		r.Get("/backlog", s.handleBacklog)
		r.Get("/pending", s.handlePending)
		r.Post("/compact", s.handleCompact)
		r.Post("/flush", s.handleFlush)
	})
	return r
}

// Start starts serving in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	if s.metrics != nil {
		go s.collectSystemMetrics()
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	close(s.stopChan)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Unavailable("admin server shutdown failed", err)
	}
	return nil
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", zap.Error(err))
	}
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.ErrCodeInternal
	var se *errors.StorageError
	if errors.As(err, &se) {
		status = se.HTTPStatus()
		code = se.Code
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  int(code),
	})
}

func (s *AdminServer) handleBacklog(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	backlog, err := s.compactions.Backlog(table)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "backlog": backlog})
}

func (s *AdminServer) handlePending(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	pending, err := s.compactions.PendingCompactions(table)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "pending_compactions": pending})
}

func (s *AdminServer) handleCompact(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	result, err := s.compactions.MajorCompaction(r.Context(), table)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "compacted": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":             table,
		"compacted":         true,
		"run_id":            result.RunID.String(),
		"output_sstables":   len(result.Output),
		"bytes_read":        result.BytesRead,
		"bytes_written":     result.BytesWritten,
		"tombstones_purged": result.TombstonesPurged,
		"duration_ms":       result.Duration.Milliseconds(),
	})
}

func (s *AdminServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	sst, err := s.compactions.Flush(r.Context(), table)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]interface{}{"table": table, "flushed": sst != nil}
	if sst != nil {
		body["generation"] = uint64(sst.Generation())
		body["rows"] = sst.RowCount()
	}
	s.writeJSON(w, http.StatusOK, body)
}

// collectSystemMetrics periodically collects system-level metrics
func (s *AdminServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *AdminServer) updateSystemMetrics() {
	var used, available int64
	if stats, err := diskmanager.Statfs(s.dataDir); err != nil {
		s.logger.Warn("Failed to get disk stats", zap.String("data_dir", s.dataDir), zap.Error(err))
	} else {
		available = int64(stats.AvailableBytes)
		used = int64(stats.TotalBytes) - available
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.metrics.UpdateSystemStats(used, available, int64(memStats.Alloc), runtime.NumGoroutine())
}
