package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/replikv/sinkrepl/internal/backoff"
	"github.com/replikv/sinkrepl/internal/domain"
	"github.com/replikv/sinkrepl/internal/ratelimiter"
	"github.com/replikv/sinkrepl/internal/store"
)

func newTestCoordinator(f *stubFactory) *Coordinator {
	return New(
		store.NewMemoryStore(),
		f,
		ratelimiter.New(10_000),
		Options{
			Backoff:        backoff.Default(),
			ReportInterval: time.Hour, // never fires during a test
			FetchTimeout:   time.Second,
		},
		zap.NewNop(),
	)
}

// Direct-handler tests drive the run-loop internals synchronously: the
// coordinator's loop is not started, so the test goroutine is the single
// writer and queue state can be asserted without races. Spawned workers park
// inside the stub client's blocking Fetch.

func TestDispatch_InitialRelease(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	if err := c.handleAdd(ctx, "q1", testPeers(3), 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	q := c.queues["q1"]
	if q.floor != 10 {
		t.Fatalf("expected reservation_floor=10, got %d", q.floor)
	}
	// 15 built, 5 released: dispatch never reduces the backlog below
	// max(0, floor - deferred).
	if len(q.backlog) != 10 {
		t.Fatalf("expected 10 items retained, got %d", len(q.backlog))
	}
	waitFor(t, "5 workers to start fetching", func() bool {
		return f.fetchStarted.Load() == 5
	})
}

func TestDispatch_NothingAboveFloor(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	_ = c.handleAdd(ctx, "q1", testPeers(3), 5)
	q := c.queues["q1"]

	// A second pass with everything allowed out already out is a no-op.
	c.dispatch(ctx, q)
	if len(q.backlog) != 10 {
		t.Fatalf("expected backlog unchanged at 10, got %d", len(q.backlog))
	}
}

func TestCompletion_DelayedRequeueAccounting(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	_ = c.handleAdd(ctx, "q1", testPeers(3), 5)
	q := c.queues["q1"]
	item := WorkItem{Queue: "q1", Iteration: q.iteration, Peer: q.peers[0]}
	item.Client = f.Renew(item.Peer)

	// An empty-queue completion doubles the peer delay (8 → 16) and defers
	// the slot's return.
	c.handleCompletion(ctx, completion{
		item: item, success: true,
		outcome: domain.Outcome{Kind: domain.OutcomeQueueEmpty},
	})

	if q.peers[0].DelayMs != 16 {
		t.Fatalf("expected peer delay 16, got %d", q.peers[0].DelayMs)
	}
	if q.deferred != 1 {
		t.Fatalf("expected deferred=1, got %d", q.deferred)
	}

	// When the timer-fired requeue arrives the slot rejoins the backlog,
	// deferred accounting returns to zero, and the dispatch pass releases
	// exactly the one item above the floor.
	started := f.fetchStarted.Load()
	c.handleRequeue(ctx, item)

	if q.deferred != 0 {
		t.Fatalf("expected deferred=0 after requeue, got %d", q.deferred)
	}
	if len(q.backlog) != 10 {
		t.Fatalf("expected backlog back at floor (10), got %d", len(q.backlog))
	}
	waitFor(t, "one more worker to start", func() bool {
		return f.fetchStarted.Load() == started+1
	})
}

func TestCompletion_ImmediateRequeueWhenDelayCollapses(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	_ = c.handleAdd(ctx, "q1", testPeers(1), 1)
	q := c.queues["q1"]
	q.peers[0].DelayMs = 1 // one halving away from zero

	item := WorkItem{Queue: "q1", Iteration: q.iteration, Peer: q.peers[0]}
	item.Client = f.Renew(item.Peer)

	started := f.fetchStarted.Load()
	c.handleCompletion(ctx, completion{
		item: item, success: true,
		outcome: domain.Outcome{Kind: domain.OutcomeObject, FetchElapsedMs: 3},
	})

	// Delay 1 → 0: the item is requeued and redispatched in the same pass.
	if q.peers[0].DelayMs != 0 {
		t.Fatalf("expected delay 0, got %d", q.peers[0].DelayMs)
	}
	if q.deferred != 0 {
		t.Fatalf("expected deferred=0 after immediate requeue, got %d", q.deferred)
	}
	waitFor(t, "the requeued item to be redispatched", func() bool {
		return f.fetchStarted.Load() == started+1
	})
}

func TestCompletion_ErrorSetsHardBackoff(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	_ = c.handleAdd(ctx, "q1", testPeers(2), 2)
	q := c.queues["q1"]

	item := WorkItem{Queue: "q1", Iteration: q.iteration, Peer: q.peers[1]}
	item.Client = f.Renew(item.Peer)

	c.handleCompletion(ctx, completion{
		item:    item,
		outcome: domain.Outcome{Kind: domain.OutcomeError, Reason: "no_client"},
	})

	if q.peers[1].DelayMs != backoff.DefaultOnErrorMs {
		t.Fatalf("expected hard backoff %d, got %d", backoff.DefaultOnErrorMs, q.peers[1].DelayMs)
	}
	if q.stats.FailureCount != 1 {
		t.Fatalf("expected failure recorded, got %+v", q.stats)
	}
	// Only the failed peer is touched.
	if q.peers[0].DelayMs != 8 {
		t.Fatalf("expected peer 1 delay untouched at 8, got %d", q.peers[0].DelayMs)
	}
}

// TestCompletion_StaleIterationIsNoOp covers the epoch guard: a report whose
// iteration differs from the queue's current iteration must leave stats,
// backlog, peer delays, and deferred count untouched.
func TestCompletion_StaleIterationIsNoOp(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	_ = c.handleAdd(ctx, "q1", testPeers(3), 5)
	q := c.queues["q1"]

	stale := WorkItem{Queue: "q1", Iteration: q.iteration - 1, Peer: q.peers[0]}
	stale.Client = f.Renew(stale.Peer)

	backlogBefore := len(q.backlog)
	c.handleCompletion(ctx, completion{
		item: stale, success: true,
		outcome: domain.Outcome{Kind: domain.OutcomeObject, FetchElapsedMs: 10, ApplyElapsedMs: 10},
	})
	c.handleRequeue(ctx, stale)

	if q.deferred != 0 || len(q.backlog) != backlogBefore {
		t.Fatalf("expected untouched accounting, got deferred=%d backlog=%d", q.deferred, len(q.backlog))
	}
	if q.stats.SuccessCount != 0 || q.stats.FailureCount != 0 {
		t.Fatalf("expected untouched stats, got %+v", q.stats)
	}
	if q.peers[0].DelayMs != 8 {
		t.Fatalf("expected untouched peer delay, got %d", q.peers[0].DelayMs)
	}
}

func TestCompletion_RemovedQueueIsDropped(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	_ = c.handleAdd(ctx, "q1", testPeers(1), 1)
	q := c.queues["q1"]
	item := WorkItem{Queue: "q1", Iteration: q.iteration, Peer: q.peers[0]}
	item.Client = f.Renew(item.Peer)

	if err := c.handleRemove("q1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Must not panic or resurrect state.
	c.handleCompletion(ctx, completion{item: item, success: true,
		outcome: domain.Outcome{Kind: domain.OutcomeQueueEmpty}})
	c.handleRequeue(ctx, item)

	if _, ok := c.queues["q1"]; ok {
		t.Fatal("expected queue to stay removed")
	}
}

func TestSuspendResume_PreservesIterationAndBacklog(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	_ = c.handleAdd(ctx, "q1", testPeers(3), 5)
	q := c.queues["q1"]
	iterBefore := q.iteration
	backlogBefore := len(q.backlog)

	if err := c.handleSuspend("q1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// While suspended, a requeued slot rejoins the backlog but nothing is
	// released.
	item := WorkItem{Queue: "q1", Iteration: q.iteration, Peer: q.peers[0]}
	item.Client = f.Renew(item.Peer)
	q.deferred++ // as handleCompletion would have done
	started := f.fetchStarted.Load()
	c.handleRequeue(ctx, item)
	if len(q.backlog) != backlogBefore+1 {
		t.Fatalf("expected requeue to land in backlog, got %d", len(q.backlog))
	}
	if f.fetchStarted.Load() != started {
		t.Fatal("expected no dispatch while suspended")
	}

	if err := c.handleSuspend("q1", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.dispatchAll(ctx)

	if q.iteration != iterBefore {
		t.Fatalf("suspend/resume must not bump iteration: %d → %d", iterBefore, q.iteration)
	}
	waitFor(t, "dispatch to resume", func() bool {
		return f.fetchStarted.Load() == started+1
	})
}

func TestSetWorkers_RebuildsUnderNewIteration(t *testing.T) {
	f := newStubFactory()
	c := newTestCoordinator(f)
	ctx := context.Background()

	_ = c.handleAdd(ctx, "q1", testPeers(3), 5)
	q := c.queues["q1"]
	iterBefore := q.iteration

	if err := c.handleSetWorkers(ctx, "q1", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.iteration <= iterBefore {
		t.Fatalf("expected a fresh iteration, got %d after %d", q.iteration, iterBefore)
	}
	if q.workerCount != 2 || q.floor != 4 {
		t.Fatalf("expected workers=2 floor=4, got workers=%d floor=%d", q.workerCount, q.floor)
	}
	// 6 built, 2 released.
	if len(q.backlog) != 4 {
		t.Fatalf("expected 4 retained, got %d", len(q.backlog))
	}
	if q.deferred != 0 {
		t.Fatalf("expected deferred reset, got %d", q.deferred)
	}
}

func TestControl_NotFound(t *testing.T) {
	c := newTestCoordinator(newStubFactory())

	if err := c.handleRemove("missing"); !errors.Is(err, domain.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
	if err := c.handleSuspend("missing", true); !errors.Is(err, domain.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
	if err := c.handleSetWorkers(context.Background(), "missing", 3); !errors.Is(err, domain.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestAddQueue_Validation(t *testing.T) {
	c := newTestCoordinator(newStubFactory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.AddQueue(ctx, "", testPeers(1), 1); !errors.Is(err, domain.ErrInvalidQueueName) {
		t.Fatalf("expected ErrInvalidQueueName, got %v", err)
	}
	if err := c.AddQueue(ctx, "q1", nil, 1); !errors.Is(err, domain.ErrEmptyPeerList) {
		t.Fatalf("expected ErrEmptyPeerList, got %v", err)
	}
	if err := c.AddQueue(ctx, "q1", testPeers(1), 0); !errors.Is(err, domain.ErrInvalidWorkerCount) {
		t.Fatalf("expected ErrInvalidWorkerCount, got %v", err)
	}
	if err := c.SetWorkerCount(ctx, "q1", 0); !errors.Is(err, domain.ErrInvalidWorkerCount) {
		t.Fatalf("expected ErrInvalidWorkerCount, got %v", err)
	}
}
