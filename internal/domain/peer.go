package domain

import "fmt"

// Protocol selects the transport used to fetch from a peer.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolBinRPC Protocol = "pb"
)

func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolHTTP, ProtocolBinRPC:
		return true
	}
	return false
}

// Peer describes one remote endpoint serving replication fetches for a queue.
// The ID is 1-based and stable within its queue. DelayMs is the peer's live
// adaptive pacing delay; it is mutated only by the coordinator in response to
// completion reports for this peer.
type Peer struct {
	ID       int      `json:"id"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
	DelayMs  int64    `json:"delay_ms"`
}

// Addr returns the host:port dial target for the peer.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
