package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/replikv/sinkrepl/internal/domain"
)

// startFakeBinPeer accepts one connection and answers each fetch with the
// queued responses in order.
type binResponse struct {
	op      byte
	payload []byte
}

func startFakeBinPeer(t *testing.T, responses []binResponse) domain.Peer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, resp := range responses {
			op, payload, err := readFrame(conn)
			if err != nil {
				return
			}
			if op != opFetch || len(payload) == 0 {
				return
			}
			if err := writeFrame(conn, resp.op, resp.payload); err != nil {
				return
			}
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return domain.Peer{ID: 1, Host: "127.0.0.1", Port: port, Protocol: domain.ProtocolBinRPC}
}

func compressEnvelope(t *testing.T, env fetchEnvelope) []byte {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil)
}

func TestBinRPCClient_FetchSequence(t *testing.T) {
	peer := startFakeBinPeer(t, []binResponse{
		{op: respObject, payload: compressEnvelope(t, fetchEnvelope{
			Key: "k1", Value: []byte("v1"), LastModifiedMs: 99,
		})},
		{op: respTomb, payload: compressEnvelope(t, fetchEnvelope{
			Key: "k2", LastModifiedMs: 100,
		})},
		{op: respEmpty},
	})

	c := newBinRPCClient(peer, time.Second)
	defer c.Close()
	ctx := context.Background()

	obj, err := c.Fetch(ctx, "q1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj == nil || obj.Key != "k1" || string(obj.Value) != "v1" || obj.Tombstone {
		t.Fatalf("unexpected object: %+v", obj)
	}

	tomb, err := c.Fetch(ctx, "q1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tomb == nil || tomb.Key != "k2" || !tomb.Tombstone {
		t.Fatalf("expected tombstone, got %+v", tomb)
	}

	empty, err := c.Fetch(ctx, "q1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil for empty queue, got %+v", empty)
	}
}

func TestBinRPCClient_PeerFault(t *testing.T) {
	peer := startFakeBinPeer(t, []binResponse{
		{op: respError, payload: []byte("backend overloaded")},
	})

	c := newBinRPCClient(peer, time.Second)
	defer c.Close()

	_, err := c.Fetch(context.Background(), "q1")
	if err == nil {
		t.Fatal("expected peer fault error")
	}
	if errors.Is(err, domain.ErrClientUnavailable) {
		t.Fatal("a reported peer fault must not be classified as client-unavailable")
	}
}

func TestBinRPCClient_DeadPeerIsClientUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close() // nothing listening any more

	c := newBinRPCClient(domain.Peer{Host: "127.0.0.1", Port: port, Protocol: domain.ProtocolBinRPC}, time.Second)
	_, err = c.Fetch(context.Background(), "q1")
	if !errors.Is(err, domain.ErrClientUnavailable) {
		t.Fatalf("expected ErrClientUnavailable, got %v", err)
	}
}
