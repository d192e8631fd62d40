package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/replikv/sinkrepl/internal/domain"
)

// Binary-RPC wire format: [1-byte op][4-byte big-endian length][payload].
// Request payload is the raw queue name; response payloads for delivered
// items are zstd-compressed fetchEnvelope JSON.
const (
	opFetch byte = 0x01

	respEmpty  byte = 0x00
	respObject byte = 0x01
	respTomb   byte = 0x02
	respError  byte = 0x7f
)

// maxFramePayload bounds a response frame. Replicated values are capped well
// below this by the source cluster.
const maxFramePayload = 64 << 20

// binRPCClient speaks the binary-RPC protocol over one persistent TCP
// connection. Dialing is lazy: the first Fetch establishes the connection,
// so renewal never blocks the coordinator. Any I/O failure poisons the
// connection; the caller is expected to renew the client.
type binRPCClient struct {
	peer    domain.Peer
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	dec  *zstd.Decoder
}

func newBinRPCClient(peer domain.Peer, timeout time.Duration) *binRPCClient {
	// A nil-reader decoder is reused across frames via DecodeAll.
	dec, _ := zstd.NewReader(nil)
	return &binRPCClient{peer: peer, timeout: timeout, dec: dec}
}

func (c *binRPCClient) Fetch(ctx context.Context, queueName string) (*domain.ReplObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		d := net.Dialer{Timeout: c.timeout}
		conn, err := d.DialContext(ctx, "tcp", c.peer.Addr())
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrClientUnavailable, c.peer.Addr(), err)
		}
		c.conn = conn
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.fail(err)
	}

	if err := writeFrame(c.conn, opFetch, []byte(queueName)); err != nil {
		return nil, c.fail(err)
	}

	op, payload, err := readFrame(c.conn)
	if err != nil {
		return nil, c.fail(err)
	}

	switch op {
	case respEmpty:
		return nil, nil
	case respObject, respTomb:
		raw, err := c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress fetch payload: %w", err)
		}
		var env fetchEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode fetch payload: %w", err)
		}
		return &domain.ReplObject{
			Key:            env.Key,
			Value:          env.Value,
			Tombstone:      op == respTomb || env.Tombstone,
			LastModifiedMs: env.LastModifiedMs,
		}, nil
	case respError:
		return nil, fmt.Errorf("peer fault: %s", payload)
	default:
		return nil, c.fail(fmt.Errorf("unknown response op 0x%02x", op))
	}
}

// fail tears down the connection and reports the client as unavailable.
func (c *binRPCClient) fail(err error) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return fmt.Errorf("%w: %v", domain.ErrClientUnavailable, err)
}

func (c *binRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func writeFrame(w io.Writer, op byte, payload []byte) error {
	header := [5]byte{op}
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (op byte, payload []byte, err error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFramePayload {
		return 0, nil, fmt.Errorf("frame payload %d exceeds limit", size)
	}
	payload = make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

var _ Client = (*binRPCClient)(nil)
