package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/replikv/sinkrepl/internal/domain"
)

// ProtocolLimiters holds one token bucket limiter per wire protocol, bounding
// the aggregate outbound fetch rate against remote peers. The adaptive
// per-peer delay handles pacing per source; this is a node-wide politeness
// cap on top of it.
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type ProtocolLimiters struct {
	limiters map[domain.Protocol]*rate.Limiter
}

// New creates a ProtocolLimiters with ratePerSec fetches per second per protocol.
func New(ratePerSec int) *ProtocolLimiters {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec // burst == rate: prevents any "saved up" burst above the limit

	return &ProtocolLimiters{
		limiters: map[domain.Protocol]*rate.Limiter{
			domain.ProtocolHTTP:   rate.NewLimiter(r, burst),
			domain.ProtocolBinRPC: rate.NewLimiter(r, burst),
		},
	}
}

// Wait blocks until the protocol's limiter grants a token.
// Called by each fetch worker immediately before the remote fetch.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (pl *ProtocolLimiters) Wait(ctx context.Context, p domain.Protocol) error {
	l, ok := pl.limiters[p]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
