package buildtask

import "time"

// Health is a diagnostic snapshot of a scheduler.
type Health struct {
	Running         bool         `json:"running"`
	ActiveJobs      int          `json:"active_jobs"`
	MaxConcurrent   int          `json:"max_concurrent"`
	TotalProcessed  int          `json:"total_processed"`
	TotalErrors     int          `json:"total_errors"`
	UptimeMs        int64        `json:"uptime_ms"`
	BrokerConnected bool         `json:"broker_connected"`
	BrokerStatus    BrokerStatus `json:"broker_status"`
}

// Health returns a snapshot without blocking on I/O.
func (s *Scheduler) Health() *Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := BrokerStatusClosed
	if s.broker != nil {
		status = s.broker.Status()
	}

	var uptime int64
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt).Milliseconds()
	}

	return &Health{
		Running:         s.running,
		ActiveJobs:      s.activeCount,
		MaxConcurrent:   s.cfg.maxConcurrent(),
		TotalProcessed:  s.totalProcessed,
		TotalErrors:     s.totalErrors,
		UptimeMs:        uptime,
		BrokerConnected: status == BrokerStatusReady,
		BrokerStatus:    status,
	}
}
