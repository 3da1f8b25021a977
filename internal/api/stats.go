package api

import "sync/atomic"

// Stats counts API traffic since start. Safe for concurrent use.
type Stats struct {
	activeRequests     atomic.Int64
	totalRequests      atomic.Int64
	totalCompletions   atomic.Int64
	failedCompletions  atomic.Int64
	rejectedRateLimits atomic.Int64
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) begin() {
	s.activeRequests.Add(1)
	s.totalRequests.Add(1)
}

func (s *Stats) end() {
	s.activeRequests.Add(-1)
}

// ActiveRequests returns the number of requests currently being served.
func (s *Stats) ActiveRequests() int {
	return int(s.activeRequests.Load())
}

// TotalRequests returns the number of requests handled since start.
func (s *Stats) TotalRequests() int64 {
	return s.totalRequests.Load()
}

// TotalCompletions returns the number of completions returned to callers.
func (s *Stats) TotalCompletions() int64 {
	return s.totalCompletions.Load()
}

// FailedCompletions returns the number of completion requests the backend failed.
func (s *Stats) FailedCompletions() int64 {
	return s.failedCompletions.Load()
}

// RateLimited returns the number of completion requests rejected with 429.
func (s *Stats) RateLimited() int64 {
	return s.rejectedRateLimits.Load()
}
