package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/replikv/sinkrepl/internal/domain"
)

// fetchEnvelope is the JSON body a peer returns for a delivered item.
// Value is base64-encoded on the wire via encoding/json's []byte handling.
type fetchEnvelope struct {
	Key            string `json:"key"`
	Value          []byte `json:"value"`
	Tombstone      bool   `json:"tombstone"`
	LastModifiedMs int64  `json:"last_modified_ms"`
}

// httpClient fetches over plain HTTP: GET /queues/{name}/next on the peer.
// 200 carries a fetchEnvelope, 204 means the remote queue is empty.
type httpClient struct {
	peer   domain.Peer
	client *http.Client
}

func newHTTPClient(peer domain.Peer, timeout time.Duration) *httpClient {
	return &httpClient{
		peer: peer,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *httpClient) Fetch(ctx context.Context, queueName string) (*domain.ReplObject, error) {
	url := fmt.Sprintf("http://%s/queues/%s/next", c.peer.Addr(), queueName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport-level failures mean the client handle is no good:
		// the coordinator should renew it before the next attempt.
		return nil, fmt.Errorf("%w: %v", domain.ErrClientUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var env fetchEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, fmt.Errorf("decode fetch response: %w", err)
		}
		return &domain.ReplObject{
			Key:            env.Key,
			Value:          env.Value,
			Tombstone:      env.Tombstone,
			LastModifiedMs: env.LastModifiedMs,
		}, nil
	default:
		return nil, fmt.Errorf("unexpected peer status: %d", resp.StatusCode)
	}
}

func (c *httpClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

var _ Client = (*httpClient)(nil)
