package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/model"
	"github.com/kbr-scylla/scylladb-sub001/internal/storage/diskmanager"
	"go.uber.org/zap"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// DiskUsage reports the disk usage of the data directory
type DiskUsage interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// CompactionState reports per-table compaction state
type CompactionState interface {
	Tables() []string
	Backlog(table string) (float64, error)
	PendingCompactions(table string) (int64, error)
	Disabled(table string) bool
}

// HealthChecker performs health checks for the compaction node
type HealthChecker struct {
	nodeID     string
	dataDir    string
	interval   time.Duration
	maxBacklog float64
	disk       DiskUsage
	compaction CompactionState
	logger     *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	metrics     model.HealthMetrics
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID        string
	DataDir       string
	CheckInterval time.Duration
	// MaxBacklog above which the node reports degraded; zero disables the check
	MaxBacklog float64
	Disk       DiskUsage
	Compaction CompactionState
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		dataDir:     cfg.DataDir,
		interval:    interval,
		maxBacklog:  cfg.MaxBacklog,
		disk:        cfg.Disk,
		compaction:  cfg.Compaction,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Run initial check
	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks and updates the node status
func (h *HealthChecker) RunChecks() {
	var metrics model.HealthMetrics
	checks := []func(*model.HealthMetrics) CheckResult{
		h.checkDiskSpace,
		h.checkDataDirAccessible,
		h.checkFileDescriptors,
		h.checkCompaction,
	}

	results := make([]CheckResult, 0, len(checks))
	allHealthy := true
	allReady := true
	for _, check := range checks {
		result := check(&metrics)
		results = append(results, result)
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = time.Now()
	h.metrics = metrics
	for _, r := range results {
		h.checks[r.Name] = r
	}

	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}

	// Liveness holds as long as checks keep running
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func result(name, status, format string, args ...interface{}) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    status,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// checkDiskSpace reports the disk manager's view of the data directory
func (h *HealthChecker) checkDiskSpace(m *model.HealthMetrics) CheckResult {
	if h.disk == nil {
		return result("disk_space", StatusHealthy, "Disk monitoring disabled")
	}
	usage := h.disk.GetDiskUsage()
	m.DiskUsage = usage.UsagePercent

	switch {
	case usage.IsCircuitBroken:
		return result("disk_space", StatusCritical, "Disk usage critical: %.2f%%, compaction output stopped", usage.UsagePercent)
	case usage.IsThrottled:
		return result("disk_space", StatusWarning, "Disk usage high: %.2f%%, large compactions rejected", usage.UsagePercent)
	}
	return result("disk_space", StatusHealthy, "Disk usage: %.2f%%, available: %.2f GB",
		usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024)
}

// checkDataDirAccessible checks that the data directory exists and is writable
func (h *HealthChecker) checkDataDirAccessible(*model.HealthMetrics) CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", StatusCritical, "Data directory not accessible: %v", err)
	}
	if !info.IsDir() {
		return result("data_dir_accessible", StatusCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", StatusCritical, "Cannot write to data directory: %v", err)
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", StatusHealthy, "Data directory is accessible and writable")
}

// checkFileDescriptors checks that open files stay clear of the limit. Every
// compaction input holds open files for the length of the job.
func (h *HealthChecker) checkFileDescriptors(*model.HealthMetrics) CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return result("file_descriptors", StatusWarning, "Failed to get rlimit: %v", err)
	}

	// /proc is Linux specific; elsewhere only the limits are reported
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		return result("file_descriptors", StatusHealthy, "Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max)
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	if usagePercent > 90 {
		return result("file_descriptors", StatusWarning, "File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur)
	}
	return result("file_descriptors", StatusHealthy, "File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur)
}

// checkCompaction flags tables whose compaction stopped or fell behind
func (h *HealthChecker) checkCompaction(m *model.HealthMetrics) CheckResult {
	if h.compaction == nil {
		return result("compaction", StatusHealthy, "No tables registered")
	}

	var disabled []string
	worst := ""
	for _, table := range h.compaction.Tables() {
		if h.compaction.Disabled(table) {
			disabled = append(disabled, table)
		}
		if backlog, err := h.compaction.Backlog(table); err == nil && backlog > m.MaxBacklog {
			m.MaxBacklog = backlog
			worst = table
		}
		if pending, err := h.compaction.PendingCompactions(table); err == nil {
			m.PendingCompactions += pending
		}
	}

	if len(disabled) > 0 {
		return result("compaction", StatusWarning, "Compaction disabled after invariant violation: %v", disabled)
	}
	if h.maxBacklog > 0 && m.MaxBacklog > h.maxBacklog {
		return result("compaction", StatusWarning, "Backlog of table %s is %.0f, above %.0f", worst, m.MaxBacklog, h.maxBacklog)
	}
	return result("compaction", StatusHealthy, "Max backlog %.0f, %d compactions pending", m.MaxBacklog, m.PendingCompactions)
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Return a copy to avoid race conditions
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetLiveness manually sets liveness status (for testing)
func (h *HealthChecker) SetLiveness(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.livenessOK = live
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()
	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()
	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"checks": h.GetChecks(),
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
