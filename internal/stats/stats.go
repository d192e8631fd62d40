// Package stats accumulates per-queue replication counters between logging
// cycles. Instances are owned and mutated exclusively by the coordinator, so
// no locking is needed.
package stats

import "github.com/replikv/sinkrepl/internal/domain"

// Histogram bucket upper bounds in milliseconds: <1s, <1m, <1h, <1d, ≥1d.
var bucketBoundsMs = [4]int64{1_000, 60_000, 3_600_000, 86_400_000}

// BucketLabels name the histogram buckets, index-aligned with QueueStats.ModifiedTimes.
var BucketLabels = [5]string{"lt1s", "lt1m", "lt1h", "lt1d", "ge1d"}

// QueueStats is one queue's accumulator, reset at the start of every
// reporting cycle.
type QueueStats struct {
	SuccessCount     uint64
	FailureCount     uint64
	CumulativeReplMs int64
	ModifiedTimes    [5]uint64
}

// Record folds one completion outcome into the stats.
//
// Empty-queue outcomes are deliberately not counted as success or failure:
// an idle source carries no load-bearing signal. Delivered outcomes add the
// fetch time to the cumulative replication latency and bucket the apply-side
// elapsed time; errors count against the failure total only.
func (s *QueueStats) Record(o domain.Outcome) {
	switch {
	case o.Kind == domain.OutcomeQueueEmpty:
	case o.Delivered():
		s.SuccessCount++
		s.CumulativeReplMs += o.FetchElapsedMs
		s.ModifiedTimes[bucketFor(o.ApplyElapsedMs)]++
	default:
		s.FailureCount++
	}
}

// MeanLatencyMs returns the mean fetch latency over the current cycle.
// ok is false when no successes were recorded (avoids division by zero;
// report as "no result").
func (s *QueueStats) MeanLatencyMs() (mean int64, ok bool) {
	if s.SuccessCount == 0 {
		return 0, false
	}
	return s.CumulativeReplMs / int64(s.SuccessCount), true
}

// Reset zeroes the accumulator for the next reporting cycle.
func (s *QueueStats) Reset() {
	*s = QueueStats{}
}

func bucketFor(ms int64) int {
	for i, bound := range bucketBoundsMs {
		if ms < bound {
			return i
		}
	}
	return len(bucketBoundsMs)
}
