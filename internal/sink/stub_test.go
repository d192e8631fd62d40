package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/replikv/sinkrepl/internal/domain"
	"github.com/replikv/sinkrepl/internal/transport"
)

// stubClient is a scripted transport.Client. With no script it blocks every
// Fetch until the release channel is closed, which keeps dispatched workers
// parked so backlog accounting can be asserted deterministically.
type stubClient struct {
	factory *stubFactory
	peer    domain.Peer

	mu     sync.Mutex
	script []stubStep
}

type stubStep struct {
	obj *domain.ReplObject
	err error
}

func (c *stubClient) Fetch(ctx context.Context, queueName string) (*domain.ReplObject, error) {
	c.factory.fetchStarted.Add(1)

	c.mu.Lock()
	var step *stubStep
	if len(c.script) > 0 {
		s := c.script[0]
		c.script = c.script[1:]
		step = &s
	}
	c.mu.Unlock()

	if step != nil {
		return step.obj, step.err
	}

	select {
	case <-c.factory.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stubClient) Close() error { return nil }

// stubFactory hands out stubClients and counts renewals.
type stubFactory struct {
	mu      sync.Mutex
	script  map[int][]stubStep // per peer ID, consumed by the next client
	renewed atomic.Int64

	fetchStarted atomic.Int64
	release      chan struct{}
}

func newStubFactory() *stubFactory {
	return &stubFactory{
		script:  make(map[int][]stubStep),
		release: make(chan struct{}),
	}
}

func (f *stubFactory) Renew(peer domain.Peer) transport.Client {
	f.renewed.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &stubClient{factory: f, peer: peer}
	if steps, ok := f.script[peer.ID]; ok {
		c.script = append([]stubStep(nil), steps...)
	}
	return c
}

var _ transport.Factory = (*stubFactory)(nil)

func testPeers(n int) []domain.Peer {
	peers := make([]domain.Peer, n)
	for i := range peers {
		peers[i] = domain.Peer{
			ID:       i + 1,
			Host:     "127.0.0.1",
			Port:     12000 + i,
			Protocol: domain.ProtocolHTTP,
			DelayMs:  8,
		}
	}
	return peers
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
