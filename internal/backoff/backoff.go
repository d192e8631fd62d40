// Package backoff implements the per-peer adaptive pacing control law:
// exponential growth while the remote queue is empty, rapid collapse while
// work is flowing, and a hard fixed penalty on any failure.
package backoff

import "github.com/replikv/sinkrepl/internal/domain"

// Default tunables, in milliseconds. Overridable via configuration.
const (
	DefaultStartingMs   = 8
	DefaultMaxSuccessMs = 1024
	DefaultOnErrorMs    = 65536
)

// Config carries the backoff tunables. The zero value is not useful; use
// Default() or populate from configuration.
type Config struct {
	StartingMs   int64
	MaxSuccessMs int64
	OnErrorMs    int64
}

func Default() Config {
	return Config{
		StartingMs:   DefaultStartingMs,
		MaxSuccessMs: DefaultMaxSuccessMs,
		OnErrorMs:    DefaultOnErrorMs,
	}
}

// Adjust maps (previous delay, outcome) to the peer's next delay. Pure and
// peer-scoped; the coordinator applies the result to the peer descriptor.
//
//	queue empty  → double, capped at MaxSuccessMs (0 seeds to 1)
//	delivered    → integer halving, floor 0
//	error        → OnErrorMs, regardless of prior trend
func (c Config) Adjust(currentMs int64, outcome domain.Outcome) int64 {
	switch {
	case outcome.Kind == domain.OutcomeQueueEmpty:
		next := currentMs * 2
		if currentMs == 0 {
			next = 1
		}
		if next > c.MaxSuccessMs {
			next = c.MaxSuccessMs
		}
		return next
	case outcome.Delivered():
		return currentMs >> 1
	default:
		return c.OnErrorMs
	}
}
