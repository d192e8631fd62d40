package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/replikv/sinkrepl/internal/domain"
)

// PeerGroups is the startup peer configuration grouped by queue.
// Order preserves the first appearance of each queue name in the raw string.
type PeerGroups struct {
	Order  []string
	Queues map[string][]domain.Peer
}

// ParsePeerList tokenizes a "|"-separated list of peer entries, each of the
// form [queue:]host:port:protocol. Entries without an explicit queue name are
// assigned to defaultQueue. Peers are given 1-based IDs in entry order within
// their queue, and every peer starts at the configured starting delay.
//
// Example: "127.0.0.1:12008:pb|qb:127.0.0.1:12009:pb" with default queue "qa"
// yields qa=[peer 1] and qb=[peer 1].
func ParsePeerList(raw, defaultQueue string, startingDelayMs int64) (*PeerGroups, error) {
	groups := &PeerGroups{Queues: make(map[string][]domain.Peer)}
	if strings.TrimSpace(raw) == "" {
		return groups, nil
	}

	for _, entry := range strings.Split(raw, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		queue := defaultQueue
		parts := strings.Split(entry, ":")
		switch len(parts) {
		case 3:
		case 4:
			queue = parts[0]
			parts = parts[1:]
		default:
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidPeerEntry, entry)
		}

		host := parts[0]
		if host == "" || queue == "" {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidPeerEntry, entry)
		}

		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port in %q", domain.ErrInvalidPeerEntry, entry)
		}

		protocol := domain.Protocol(parts[2])
		if !protocol.IsValid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidProtocol, parts[2])
		}

		if _, seen := groups.Queues[queue]; !seen {
			groups.Order = append(groups.Order, queue)
		}
		groups.Queues[queue] = append(groups.Queues[queue], domain.Peer{
			ID:       len(groups.Queues[queue]) + 1,
			Host:     host,
			Port:     port,
			Protocol: protocol,
			DelayMs:  startingDelayMs,
		})
	}

	return groups, nil
}
