package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/replikv/sinkrepl/internal/backoff"
	"github.com/replikv/sinkrepl/internal/domain"
	"github.com/replikv/sinkrepl/internal/ratelimiter"
	"github.com/replikv/sinkrepl/internal/stats"
	"github.com/replikv/sinkrepl/internal/store"
	"github.com/replikv/sinkrepl/internal/transport"
)

// ErrStopped is returned by control operations after the coordinator's run
// loop has exited.
var ErrStopped = errors.New("sink coordinator stopped")

// Hooks carries the metric callback functions injected by main.
// Using a struct keeps the coordinator constructor signature clean; nil
// fields become no-ops.
type Hooks struct {
	OnOutcome   func(queue string, o domain.Outcome)
	OnDelay     func(queue string, peerID int, delayMs int64)
	OnDepth     func(queue string, backlog, inFlight int)
	OnQueueGone func(queue string)
}

func (h Hooks) withDefaults() Hooks {
	if h.OnOutcome == nil {
		h.OnOutcome = func(string, domain.Outcome) {}
	}
	if h.OnDelay == nil {
		h.OnDelay = func(string, int, int64) {}
	}
	if h.OnDepth == nil {
		h.OnDepth = func(string, int, int) {}
	}
	if h.OnQueueGone == nil {
		h.OnQueueGone = func(string) {}
	}
	return h
}

// Options are the coordinator tunables wired from configuration.
type Options struct {
	Backoff        backoff.Config
	ReportInterval time.Duration
	FetchTimeout   time.Duration
	Hooks          Hooks
}

// queueState is one replication queue's complete state. Owned exclusively by
// the run loop; nothing outside it may read or write these fields.
type queueState struct {
	name        string
	iteration   uint64
	workerCount int
	backlog     []WorkItem
	floor       int
	deferred    int
	peers       []domain.Peer
	stats       stats.QueueStats
	suspended   bool
}

// Coordinator is the single logical owner of all sink-queue state. Control
// operations and worker completion reports are serialized through one command
// channel processed by Run; no locks guard the state map because only the run
// loop touches it.
type Coordinator struct {
	opts    Options
	store   store.Store
	clients transport.Factory
	limiter *ratelimiter.ProtocolLimiters
	hooks   Hooks
	logger  *zap.Logger

	cmds chan command
	done chan struct{}
	wg   sync.WaitGroup

	// run-loop state
	queues    map[string]*queueState
	iteration uint64
}

type cmdKind int

const (
	cmdAdd cmdKind = iota
	cmdRemove
	cmdSuspend
	cmdResume
	cmdSetWorkers
	cmdPrompt
	cmdCompletion
	cmdRequeue
	cmdSnapshot
)

type command struct {
	kind    cmdKind
	name    string
	peers   []domain.Peer
	workers int
	comp    completion
	reply   chan error
	snap    chan []QueueSnapshot
}

// QueueSnapshot is a point-in-time view of one queue for the status API.
type QueueSnapshot struct {
	Name         string        `json:"name"`
	Iteration    uint64        `json:"iteration"`
	WorkerCount  int           `json:"worker_count"`
	BacklogDepth int           `json:"backlog_depth"`
	Deferred     int           `json:"deferred"`
	Suspended    bool          `json:"suspended"`
	Peers        []domain.Peer `json:"peers"`
	SuccessCount uint64        `json:"success_count"`
	FailureCount uint64        `json:"failure_count"`
}

func New(
	st store.Store,
	clients transport.Factory,
	limiter *ratelimiter.ProtocolLimiters,
	opts Options,
	logger *zap.Logger,
) *Coordinator {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 60 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Coordinator{
		opts:    opts,
		store:   st,
		clients: clients,
		limiter: limiter,
		hooks:   opts.Hooks.withDefaults(),
		logger:  logger,
		cmds:    make(chan command, 256),
		done:    make(chan struct{}),
		queues:  make(map[string]*queueState),
	}
}

// Run processes commands until ctx is cancelled. It is the single writer of
// all queue state and must be running before any control operation is called.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ReportInterval)
	defer ticker.Stop()
	defer close(c.done)

	c.logger.Info("sink coordinator started",
		zap.Duration("report_interval", c.opts.ReportInterval))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sink coordinator stopping")
			return
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
		case <-ticker.C:
			c.reportCycle()
		}
	}
}

// Wait blocks until every in-flight fetch worker has returned.
// Call after cancelling Run's context to drain cleanly.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// --- control API (synchronous; safe for concurrent use) ---

// AddQueue creates or fully replaces the named queue: new iteration, rebuilt
// backlog, suspension cleared, immediate dispatch pass.
func (c *Coordinator) AddQueue(ctx context.Context, name string, peers []domain.Peer, workerCount int) error {
	if name == "" {
		return domain.ErrInvalidQueueName
	}
	if len(peers) == 0 {
		return domain.ErrEmptyPeerList
	}
	if workerCount < 1 {
		return domain.ErrInvalidWorkerCount
	}
	for _, p := range peers {
		if !p.Protocol.IsValid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidProtocol, p.Protocol)
		}
	}
	return c.do(ctx, command{kind: cmdAdd, name: name, peers: peers, workers: workerCount})
}

// RemoveQueue deletes the queue's state. Reports from its in-flight workers
// are silently dropped once the state is gone.
func (c *Coordinator) RemoveQueue(ctx context.Context, name string) error {
	return c.do(ctx, command{kind: cmdRemove, name: name})
}

// SuspendQueue blocks dispatch for the queue without touching its iteration,
// backlog, or in-flight workers.
func (c *Coordinator) SuspendQueue(ctx context.Context, name string) error {
	return c.do(ctx, command{kind: cmdSuspend, name: name})
}

// ResumeQueue unblocks dispatch and immediately triggers a dispatch pass.
func (c *Coordinator) ResumeQueue(ctx context.Context, name string) error {
	return c.do(ctx, command{kind: cmdResume, name: name})
}

// SetWorkerCount rebuilds the queue's backlog for the new concurrency level
// under a fresh iteration. In-flight workers from the old iteration keep
// running; their reports are discarded as stale, so the transition to the new
// level is gradual rather than forced.
func (c *Coordinator) SetWorkerCount(ctx context.Context, name string, workerCount int) error {
	if workerCount < 1 {
		return domain.ErrInvalidWorkerCount
	}
	return c.do(ctx, command{kind: cmdSetWorkers, name: name, workers: workerCount})
}

// PromptDispatch manually triggers a dispatch pass over all queues.
// Dispatch is normally automatic; this is an operator escape hatch.
func (c *Coordinator) PromptDispatch(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdPrompt})
}

// Snapshot returns a stable-ordered view of every queue.
func (c *Coordinator) Snapshot(ctx context.Context) ([]QueueSnapshot, error) {
	cmd := command{kind: cmdSnapshot, snap: make(chan []QueueSnapshot, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-cmd.snap:
		return snap, nil
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitAsync delivers worker reports and timer-fired requeues without ever
// blocking past shutdown.
func (c *Coordinator) submitAsync(ctx context.Context, cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	case <-ctx.Done():
	}
}

// --- run-loop internals (single-writer; only called from Run) ---

func (c *Coordinator) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdAdd:
		cmd.reply <- c.handleAdd(ctx, cmd.name, cmd.peers, cmd.workers)
	case cmdRemove:
		cmd.reply <- c.handleRemove(cmd.name)
	case cmdSuspend:
		cmd.reply <- c.handleSuspend(cmd.name, true)
	case cmdResume:
		err := c.handleSuspend(cmd.name, false)
		if err == nil {
			c.dispatchAll(ctx)
		}
		cmd.reply <- err
	case cmdSetWorkers:
		cmd.reply <- c.handleSetWorkers(ctx, cmd.name, cmd.workers)
	case cmdPrompt:
		c.dispatchAll(ctx)
		cmd.reply <- nil
	case cmdCompletion:
		c.handleCompletion(ctx, cmd.comp)
	case cmdRequeue:
		c.handleRequeue(ctx, cmd.comp.item)
	case cmdSnapshot:
		cmd.snap <- c.snapshotLocked()
	}
}

func (c *Coordinator) nextIteration() uint64 {
	// One global monotonic counter covers every rebuild, so a removed and
	// re-added queue can never recycle an iteration still carried by
	// in-flight workers of its previous incarnation.
	c.iteration++
	return c.iteration
}

func (c *Coordinator) handleAdd(ctx context.Context, name string, peers []domain.Peer, workerCount int) error {
	iter := c.nextIteration()

	assigned := make([]domain.Peer, len(peers))
	copy(assigned, peers)
	for i := range assigned {
		if assigned[i].ID == 0 {
			assigned[i].ID = i + 1
		}
		if assigned[i].DelayMs == 0 {
			assigned[i].DelayMs = c.opts.Backoff.StartingMs
		}
	}

	floor, backlog := BuildBacklog(name, iter, assigned, workerCount, c.clients)
	q := &queueState{
		name:        name,
		iteration:   iter,
		workerCount: workerCount,
		backlog:     backlog,
		floor:       floor,
		peers:       assigned,
		suspended:   false,
	}
	c.queues[name] = q

	c.logger.Info("sink queue configured",
		zap.String("queue", name),
		zap.Uint64("iteration", iter),
		zap.Int("peers", len(assigned)),
		zap.Int("workers", workerCount),
		zap.Int("backlog", len(backlog)),
		zap.Int("reservation_floor", floor),
	)

	c.dispatch(ctx, q)
	return nil
}

func (c *Coordinator) handleRemove(name string) error {
	if _, ok := c.queues[name]; !ok {
		return domain.ErrQueueNotFound
	}
	delete(c.queues, name)
	// Removal invalidates any future report for the name outright, but the
	// global counter still advances so a re-add starts on a fresh epoch.
	c.nextIteration()
	c.hooks.OnQueueGone(name)
	c.logger.Info("sink queue removed", zap.String("queue", name))
	if len(c.queues) == 0 {
		c.logger.Info("no sink queues remain; coordinator idle")
	}
	return nil
}

func (c *Coordinator) handleSuspend(name string, suspend bool) error {
	q, ok := c.queues[name]
	if !ok {
		return domain.ErrQueueNotFound
	}
	q.suspended = suspend
	c.logger.Info("sink queue suspension changed",
		zap.String("queue", name),
		zap.Bool("suspended", suspend),
	)
	return nil
}

func (c *Coordinator) handleSetWorkers(ctx context.Context, name string, workerCount int) error {
	q, ok := c.queues[name]
	if !ok {
		return domain.ErrQueueNotFound
	}

	iter := c.nextIteration()
	floor, backlog := BuildBacklog(name, iter, q.peers, workerCount, c.clients)
	q.iteration = iter
	q.workerCount = workerCount
	q.backlog = backlog
	q.floor = floor
	q.deferred = 0

	c.logger.Info("sink queue worker count changed",
		zap.String("queue", name),
		zap.Uint64("iteration", iter),
		zap.Int("workers", workerCount),
		zap.Int("reservation_floor", floor),
	)

	c.dispatch(ctx, q)
	return nil
}

// dispatch releases every backlog item above the reservation floor to a
// freshly spawned fetch worker. The floor minus the deferred count bounds
// concurrently in-flight work to roughly workerCount items while keeping a
// non-empty reserve for completed items to rejoin.
func (c *Coordinator) dispatch(ctx context.Context, q *queueState) {
	if q.suspended {
		return
	}

	available := q.floor - q.deferred
	if available < 0 {
		available = 0
	}
	if len(q.backlog)-available <= 0 {
		c.hooks.OnDepth(q.name, len(q.backlog), q.deferred)
		return
	}

	releasing := q.backlog[available:]
	q.backlog = q.backlog[:available]
	for _, item := range releasing {
		c.spawn(ctx, item)
	}

	c.hooks.OnDepth(q.name, len(q.backlog), q.deferred)
}

func (c *Coordinator) dispatchAll(ctx context.Context) {
	for _, q := range c.queues {
		c.dispatch(ctx, q)
	}
}

func (c *Coordinator) spawn(ctx context.Context, item WorkItem) {
	deps := workerDeps{
		store:        c.store,
		clients:      c.clients,
		limiter:      c.limiter,
		fetchTimeout: c.opts.FetchTimeout,
		logger:       c.logger,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runWorker(ctx, item, deps, func(comp completion) {
			c.submitAsync(ctx, command{kind: cmdCompletion, comp: comp})
		})
	}()
}

// handleCompletion applies one worker report: stats, backoff, and either an
// immediate or a delayed requeue of the item's slot.
func (c *Coordinator) handleCompletion(ctx context.Context, comp completion) {
	q, ok := c.queues[comp.item.Queue]
	if !ok {
		// Queue removed while the worker was in flight.
		return
	}
	if comp.item.Iteration != q.iteration {
		// Stale generation: the queue was reconfigured after this item was
		// dispatched. Dropping the report is how old workers are retired
		// without explicit cancellation. Never logged as an error.
		c.logger.Debug("discarding stale completion report",
			zap.String("queue", q.name),
			zap.Uint64("item_iteration", comp.item.Iteration),
			zap.Uint64("queue_iteration", q.iteration),
		)
		return
	}

	q.stats.Record(comp.outcome)
	c.hooks.OnOutcome(q.name, comp.outcome)

	newDelay := int64(0)
	for i := range q.peers {
		if q.peers[i].ID == comp.item.Peer.ID {
			newDelay = c.opts.Backoff.Adjust(q.peers[i].DelayMs, comp.outcome)
			q.peers[i].DelayMs = newDelay
			c.hooks.OnDelay(q.name, q.peers[i].ID, newDelay)
			break
		}
	}

	q.deferred++

	if newDelay == 0 {
		c.handleRequeue(ctx, comp.item)
		return
	}

	item := comp.item
	time.AfterFunc(time.Duration(newDelay)*time.Millisecond, func() {
		c.submitAsync(ctx, command{kind: cmdRequeue, comp: completion{item: item}})
	})
	c.dispatchAll(ctx)
}

// handleRequeue returns a completed item's slot to the front of its queue's
// backlog and triggers a dispatch pass.
func (c *Coordinator) handleRequeue(ctx context.Context, item WorkItem) {
	q, ok := c.queues[item.Queue]
	if !ok {
		return
	}
	if item.Iteration != q.iteration {
		return
	}

	q.backlog = append([]WorkItem{item}, q.backlog...)
	q.deferred--
	c.dispatchAll(ctx)
}

func (c *Coordinator) snapshotLocked() []QueueSnapshot {
	snaps := make([]QueueSnapshot, 0, len(c.queues))
	for _, q := range c.queues {
		peers := make([]domain.Peer, len(q.peers))
		copy(peers, q.peers)
		snaps = append(snaps, QueueSnapshot{
			Name:         q.name,
			Iteration:    q.iteration,
			WorkerCount:  q.workerCount,
			BacklogDepth: len(q.backlog),
			Deferred:     q.deferred,
			Suspended:    q.suspended,
			Peers:        peers,
			SuccessCount: q.stats.SuccessCount,
			FailureCount: q.stats.FailureCount,
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// reportCycle emits one summary line per enabled, non-suspended queue, then
// resets that queue's stats for the next interval.
func (c *Coordinator) reportCycle() {
	for _, q := range c.queues {
		if q.suspended {
			continue
		}

		var meanField zap.Field
		if mean, ok := q.stats.MeanLatencyMs(); ok {
			meanField = zap.Int64("mean_latency_ms", mean)
		} else {
			meanField = zap.String("mean_latency_ms", "no result")
		}

		delays := make(map[string]int64, len(q.peers))
		for _, p := range q.peers {
			delays[fmt.Sprintf("peer_%d", p.ID)] = p.DelayMs
		}
		buckets := make(map[string]uint64, len(q.stats.ModifiedTimes))
		for i, label := range stats.BucketLabels {
			buckets[label] = q.stats.ModifiedTimes[i]
		}

		c.logger.Info("sink queue report",
			zap.String("queue", q.name),
			zap.Uint64("success", q.stats.SuccessCount),
			zap.Uint64("failure", q.stats.FailureCount),
			meanField,
			zap.Any("modified_time_buckets", buckets),
			zap.Any("peer_delays_ms", delays),
			zap.Int("backlog", len(q.backlog)),
			zap.Int("deferred", q.deferred),
		)

		c.hooks.OnDepth(q.name, len(q.backlog), q.deferred)
		q.stats.Reset()
	}
}
