// Package transport implements the remote-fetch side of the replication
// pipeline: protocol-specific clients that pull the next replicated item
// from a peer's named queue.
package transport

import (
	"context"
	"time"

	"github.com/replikv/sinkrepl/internal/domain"
)

// Client is one remote fetch handle bound to a single peer.
//
// Fetch returns (nil, nil) when the remote queue is empty. A dead or invalid
// client handle is reported as an error wrapping domain.ErrClientUnavailable;
// any other error is a fault reported by the peer. Clients are owned by
// individual work items and replaced wholesale on renewal, never mutated.
type Client interface {
	Fetch(ctx context.Context, queueName string) (*domain.ReplObject, error)
	Close() error
}

// Factory builds protocol-appropriate clients for peers. Renew always
// returns a fresh client; connection establishment is lazy, so renewal
// itself never blocks on the network.
type Factory interface {
	Renew(peer domain.Peer) Client
}

// ClientFactory is the production Factory covering both wire protocols.
type ClientFactory struct {
	fetchTimeout time.Duration
}

func NewFactory(fetchTimeout time.Duration) *ClientFactory {
	return &ClientFactory{fetchTimeout: fetchTimeout}
}

func (f *ClientFactory) Renew(peer domain.Peer) Client {
	switch peer.Protocol {
	case domain.ProtocolBinRPC:
		return newBinRPCClient(peer, f.fetchTimeout)
	default:
		return newHTTPClient(peer, f.fetchTimeout)
	}
}

var _ Factory = (*ClientFactory)(nil)
