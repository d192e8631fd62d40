// Package sink implements the sink-side replication coordinator: a
// single-writer actor owning all per-queue state, driving a bounded pool of
// fetch workers per replication queue and adapting per-peer pacing from
// their completion reports.
package sink

import (
	"github.com/replikv/sinkrepl/internal/domain"
	"github.com/replikv/sinkrepl/internal/transport"
)

// WorkItem is the unit of dispatch: an identity triple (queue, iteration,
// peer) plus the bound remote-fetch client. Items are immutable value objects
// circulating between the coordinator's backlog and in-flight fetch workers;
// a worker never retains one beyond its single attempt.
type WorkItem struct {
	Queue     string
	Iteration uint64
	Peer      domain.Peer
	Client    transport.Client
}

// BuildBacklog constructs the initial or replacement work-item set for a
// queue: the peer list replicated workerCount times and flattened in peer
// order, so even if only one peer ever yields data there are always enough
// staged items referencing every peer to keep workerCount workers busy.
//
// reservationFloor is len(backlog) - workerCount; the dispatcher will not
// release items below it. The caller clamps negative floors at dispatch time.
func BuildBacklog(
	queue string,
	iteration uint64,
	peers []domain.Peer,
	workerCount int,
	clients transport.Factory,
) (reservationFloor int, backlog []WorkItem) {
	backlog = make([]WorkItem, 0, len(peers)*workerCount)
	for i := 0; i < workerCount; i++ {
		for _, peer := range peers {
			backlog = append(backlog, WorkItem{
				Queue:     queue,
				Iteration: iteration,
				Peer:      peer,
				Client:    clients.Renew(peer),
			})
		}
	}
	return len(backlog) - workerCount, backlog
}
