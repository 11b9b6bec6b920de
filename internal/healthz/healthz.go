// Package healthz snapshots process health for GET /health and
// GET /status. It holds no state of its own; it reads the counters
// TaskSupervisor already maintains and adds process uptime.
package healthz

import (
	"time"

	"github.com/nolood/review-bot-sub000/internal/supervisor"
)

// Checker reports task counters, narrowed from supervisor.Supervisor
// for testability.
type Checker interface {
	Stats() supervisor.Stats
}

// Snapshot is a point-in-time read of process health.
type Snapshot struct {
	Status        string
	UptimeSeconds int64
	Active        int
	Completed     int
	Failed        int
	Cancelled     int
}

// Monitor computes Snapshots relative to a fixed start time.
type Monitor struct {
	checker   Checker
	startedAt time.Time
}

// New builds a Monitor that measures uptime from now.
func New(checker Checker) *Monitor {
	return &Monitor{checker: checker, startedAt: time.Now()}
}

// Health returns the minimal liveness snapshot for GET /health.
func (m *Monitor) Health() Snapshot {
	return Snapshot{Status: "ok", UptimeSeconds: int64(time.Since(m.startedAt).Seconds())}
}

// Status returns the fuller counters snapshot for GET /status.
func (m *Monitor) Status() Snapshot {
	stats := m.checker.Stats()
	return Snapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
		Active:        stats.Active,
		Completed:     stats.Completed,
		Failed:        stats.Failed,
		Cancelled:     stats.Cancelled,
	}
}
