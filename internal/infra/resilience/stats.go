package resilience

import "time"

const latencyWindow = 100

// callStats holds aggregate call statistics for a breaker.
// It is not safe for concurrent use; the owning breaker guards it.
type callStats struct {
	attempts  int64
	successes int64
	failures  int64
	rejected  int64

	recentLatencies []time.Duration
}

func newCallStats() *callStats {
	return &callStats{
		recentLatencies: make([]time.Duration, 0, latencyWindow),
	}
}

// recordLatency tracks the latency of a completed call.
func (s *callStats) recordLatency(latency time.Duration) {
	s.recentLatencies = append(s.recentLatencies, latency)
	if len(s.recentLatencies) > latencyWindow {
		s.recentLatencies = s.recentLatencies[1:]
	}
}

func (s *callStats) averageLatency() time.Duration {
	if len(s.recentLatencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range s.recentLatencies {
		total += l
	}
	return total / time.Duration(len(s.recentLatencies))
}
