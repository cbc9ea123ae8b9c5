package async

import (
	"context"
	"fmt"
)

// SystemMetrics tracks resource usage for executor monitoring
type SystemMetrics struct {
	WorkersActive      int     `json:"workers_active"`       // Primary slots in use
	WorkersTotal       int     `json:"workers_total"`        // Configured primary slots
	RetryWorkersActive int     `json:"retry_workers_active"` // Retry slots in use
	RetryWorkersTotal  int     `json:"retry_workers_total"`  // Configured retry slots
	RetriesPending     int     `json:"retries_pending"`      // Failed runs waiting for a retry slot
	JobsQueued         int     `json:"jobs_queued"`          // Planned jobs waiting in the queue
	JobsRunning        int     `json:"jobs_running"`         // Runs currently executing
	RunsDispatched     int64   `json:"runs_dispatched"`      // Since start
	RunsSucceeded      int64   `json:"runs_succeeded"`
	RunsFailed         int64   `json:"runs_failed"`
	MemoryUsedGB       float64 `json:"memory_used_gb"`
	MemoryTotalGB      float64 `json:"memory_total_gb"`
	MemoryPercent      float64 `json:"memory_percent"`
}

// getMemoryStats is implemented in platform-specific files:
// - system_metrics_unix.go
// - system_metrics_windows.go

// calculateSafeWorkerCount recommends a primary pool size for the
// available memory. Script and query payloads are child processes or
// driver connections, budgeted at 256MB each.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.25 // GB per concurrent payload
	const memoryBuffer = 1.0     // GB reserved for the agent and the system

	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 64 {
		return 64
	}
	return recommended
}

// Metrics returns pool occupancy, run counters and memory usage.
func (e *Executor) Metrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	// A store error reports an empty queue rather than failing the metrics read
	queued, err := e.QueueSize(context.Background())
	if err != nil {
		queued = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return SystemMetrics{
		WorkersActive:      len(e.primary),
		WorkersTotal:       cap(e.primary),
		RetryWorkersActive: len(e.retry),
		RetryWorkersTotal:  cap(e.retry),
		RetriesPending:     len(e.retries),
		JobsQueued:         queued,
		JobsRunning:        len(e.running),
		RunsDispatched:     e.dispatched,
		RunsSucceeded:      e.succeeded,
		RunsFailed:         e.failed,
		MemoryUsedGB:       memUsedGB,
		MemoryTotalGB:      memTotalGB,
		MemoryPercent:      memPercent,
	}
}

// checkMemoryPressure validates the primary pool size against available
// memory. Returns a warning, or "" if OK.
func (e *Executor) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if e.cfg.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			e.cfg.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
