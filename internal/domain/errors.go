package domain

import "errors"

// Sentinel errors used throughout the application.
// The HTTP layer translates these to status codes via a single mapError function.
var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrInvalidQueueName   = errors.New("queue name must not be empty")
	ErrEmptyPeerList      = errors.New("peer list must contain at least one peer")
	ErrInvalidPeerEntry   = errors.New("invalid peer entry: expected [queue:]host:port:protocol")
	ErrInvalidProtocol    = errors.New("invalid protocol: must be http or pb")
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")

	// ErrClientUnavailable marks a fetch failure caused by a dead or invalid
	// remote client handle, as opposed to a fault reported by the peer itself.
	// Both are recoverable and trigger client renewal plus hard backoff.
	ErrClientUnavailable = errors.New("remote client unavailable")
)
