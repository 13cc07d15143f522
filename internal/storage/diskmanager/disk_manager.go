package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"go.uber.org/zap"
)

// FSStats is the subset of filesystem statistics the manager needs
type FSStats struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// StatFunc reads filesystem statistics for a path
type StatFunc func(path string) (FSStats, error)

// Statfs reads filesystem statistics with statfs(2)
func Statfs(path string) (FSStats, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return FSStats{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return FSStats{
		TotalBytes:     stat.Blocks * uint64(stat.Bsize),
		AvailableBytes: stat.Bavail * uint64(stat.Bsize),
	}, nil
}

// DiskManager monitors disk space of the data directory and decides whether a
// compaction may write its output
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	stat          StatFunc
	checkInterval time.Duration

	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64

	// Thresholds
	warningThreshold        float64 // Start warning at this percentage (e.g., 80%)
	throttleThreshold       float64 // Reject large outputs at this percentage (e.g., 90%)
	circuitBreakerThreshold float64 // Stop all outputs at this percentage (e.g., 95%)

	// State
	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	// Stat overrides statfs, used by tests
	Stat StatFunc
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, errors.InvalidArgument("data directory is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stat := cfg.Stat
	if stat == nil {
		stat = Statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		stat:                    stat,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// CheckBeforeWrite checks whether an output of the given size can be written.
// A compaction calls it with the total size of its inputs, the worst case of
// its output.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("circuit_broken", true)
	}

	// Small outputs may proceed while throttled, large ones are rejected
	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return errors.DiskThrottled(dm.cachedUsagePercent).
			WithDetail("requested_bytes", estimatedBytes)
	}

	if estimatedBytes > dm.cachedAvailableBytes {
		return errors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}

	return nil
}

// checkDiskSpace checks current disk usage and updates state.
// Must be called with the lock held.
func (dm *DiskManager) checkDiskSpace() error {
	stats, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}
	if stats.TotalBytes == 0 {
		return fmt.Errorf("filesystem of %s reports zero capacity", dm.dataDir)
	}

	usedBytes := stats.TotalBytes - stats.AvailableBytes
	usagePercent := float64(usedBytes) / float64(stats.TotalBytes) * 100.0

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = stats.AvailableBytes
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", stats.AvailableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", stats.AvailableBytes))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", stats.AvailableBytes),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", stats.AvailableBytes))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", stats.AvailableBytes),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}

// IsCircuitBroken checks if the error indicates the circuit breaker is engaged
func IsCircuitBroken(err error) bool {
	var se *errors.StorageError
	if errors.As(err, &se) {
		broken, _ := se.Details["circuit_broken"].(bool)
		return broken
	}
	return false
}
