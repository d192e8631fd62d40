package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/replikv/sinkrepl/internal/domain"
	"github.com/replikv/sinkrepl/internal/ratelimiter"
	"github.com/replikv/sinkrepl/internal/store"
	"github.com/replikv/sinkrepl/internal/transport"
)

// completion is the terminal report of one fetch/apply attempt. The item it
// carries is what returns to the backlog, so a renewed client travels with it.
type completion struct {
	item    WorkItem
	success bool
	outcome domain.Outcome
}

type workerDeps struct {
	store        store.Store
	clients      transport.Factory
	limiter      *ratelimiter.ProtocolLimiters
	fetchTimeout time.Duration
	logger       *zap.Logger
}

// runWorker performs exactly one fetch/apply cycle for the item and reports
// its outcome. The deferred report guarantees exactly one terminal report on
// every exit path, including panics anywhere in the attempt; a worker that
// failed to report would leak the item's slot from the backlog permanently.
func runWorker(ctx context.Context, item WorkItem, deps workerDeps, done func(completion)) {
	comp := completion{item: item}

	defer func() {
		if p := recover(); p != nil {
			comp.item.Client = deps.clients.Renew(item.Peer)
			comp.success = false
			comp.outcome = domain.Outcome{
				Kind:   domain.OutcomeError,
				Reason: fmt.Sprintf("panic: %v", p),
			}
			deps.logger.Warn("fetch worker recovered from panic",
				zap.String("queue", item.Queue),
				zap.Int("peer", item.Peer.ID),
				zap.Any("panic", p),
			)
		}
		done(comp)
	}()

	if err := deps.limiter.Wait(ctx, item.Peer.Protocol); err != nil {
		// Context cancelled while waiting for a fetch token: shutting down.
		comp.outcome = domain.Outcome{Kind: domain.OutcomeError, Reason: "canceled"}
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, deps.fetchTimeout)
	defer cancel()

	fetchStart := time.Now()
	obj, err := item.Client.Fetch(attemptCtx, item.Queue)
	fetchElapsed := time.Since(fetchStart).Milliseconds()

	if err != nil {
		comp.item.Client = deps.clients.Renew(item.Peer)
		reason := "remote_error"
		if errors.Is(err, domain.ErrClientUnavailable) {
			reason = "no_client"
		}
		comp.outcome = domain.Outcome{Kind: domain.OutcomeError, Reason: reason}
		deps.logger.Debug("fetch failed",
			zap.String("queue", item.Queue),
			zap.Int("peer", item.Peer.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}

	if obj == nil {
		comp.success = true
		comp.outcome = domain.Outcome{
			Kind:           domain.OutcomeQueueEmpty,
			FetchElapsedMs: fetchElapsed,
		}
		return
	}

	applyStart := time.Now()
	if _, err := deps.store.Apply(attemptCtx, obj); err != nil {
		// A failed local apply is handled like any other attempt fault:
		// renew the client and report failure for hard backoff.
		comp.item.Client = deps.clients.Renew(item.Peer)
		comp.outcome = domain.Outcome{Kind: domain.OutcomeError, Reason: "apply_error"}
		deps.logger.Warn("local apply failed",
			zap.String("queue", item.Queue),
			zap.String("key", obj.Key),
			zap.Error(err),
		)
		return
	}

	kind := domain.OutcomeObject
	if obj.Tombstone {
		kind = domain.OutcomeTomb
	}
	comp.success = true
	comp.outcome = domain.Outcome{
		Kind:           kind,
		FetchElapsedMs: fetchElapsed,
		ApplyElapsedMs: time.Since(applyStart).Milliseconds(),
	}
}
