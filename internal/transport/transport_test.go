package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/jonboulle/clockwork"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello mesh")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if string(got) != "hello mesh" {
		t.Errorf("Expected %q, got %q", "hello mesh", got)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); err == nil {
		t.Fatal("Expected oversize frame to be rejected")
	}
}

func recv(t *testing.T, r *Radio) Frame {
	t.Helper()
	select {
	case f := <-r.Frames():
		return f
	default:
		t.Fatalf("Radio %s has no pending frame", r.ID())
	}
	return Frame{}
}

func TestHubDelivery(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	hub := NewHub(clock)
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	for _, r := range []*Radio{a, b, c} {
		if err := r.Connect(ctx); err != nil {
			t.Fatalf("Connect %s failed: %v", r.ID(), err)
		}
	}
	hub.Link("a", "b", -60)

	if err := a.Send(ctx, "b", []byte("x")); err != nil {
		t.Fatalf("Send a->b failed: %v", err)
	}
	f := recv(t, b)
	if f.From != "a" || string(f.Data) != "x" || f.RSSI != -60 || !f.ReceivedAt.Equal(clock.Now()) {
		t.Errorf("Unexpected frame: %+v", f)
	}

	if err := a.Send(ctx, "c", []byte("x")); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("Expected ErrPeerUnreachable for out-of-range peer, got %v", err)
	}

	hub.Link("a", "c", -80)
	n, err := a.Broadcast(ctx, []byte("all"))
	if err != nil || n != 2 {
		t.Fatalf("Expected broadcast to reach 2, got %d (%v)", n, err)
	}
	recv(t, b)
	recv(t, c)

	hub.SetPowered("a", false)
	if err := a.Send(ctx, "b", []byte("x")); !errors.Is(err, ErrLinkUnavailable) {
		t.Errorf("Expected ErrLinkUnavailable with radio off, got %v", err)
	}
	if a.State() != LinkDown {
		t.Errorf("Expected link down, got %s", a.State())
	}
	if err := a.Connect(ctx); !errors.Is(err, ErrLinkUnavailable) {
		t.Errorf("Expected Connect to fail with radio off, got %v", err)
	}
}

func TestManagerLinks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := NewManager("node-a", 0, nil)
	b := NewManager("node-b", 0, nil)
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect A failed: %v", err)
	}
	defer a.Close()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect B failed: %v", err)
	}
	defer b.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", b.Addr().(*net.TCPAddr).Port)
	peer, err := a.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if peer != "node-b" {
		t.Fatalf("Expected handshake to name node-b, got %q", peer)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !b.HasPeer("node-a") {
		if time.Now().After(deadline) {
			t.Fatal("B never registered the inbound link from A")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Send(ctx, "node-b", []byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case f := <-b.Frames():
		if f.From != "node-a" || string(f.Data) != "ping" {
			t.Errorf("Unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frame")
	}

	n, err := b.Broadcast(ctx, []byte("pong"))
	if err != nil || n != 1 {
		t.Fatalf("Expected broadcast to reach 1 link, got %d (%v)", n, err)
	}
	select {
	case f := <-a.Frames():
		if f.From != "node-b" || string(f.Data) != "pong" {
			t.Errorf("Unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for broadcast frame")
	}

	if err := a.Send(ctx, "node-z", []byte("x")); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("Expected ErrPeerUnreachable, got %v", err)
	}
	a.Close()
	if a.HasAddr(addr) {
		t.Error("Expected no open link after Close")
	}
	if err := a.Send(ctx, "node-b", []byte("x")); !errors.Is(err, ErrLinkUnavailable) {
		t.Errorf("Expected ErrLinkUnavailable after Close, got %v", err)
	}
}

// stalledPeer answers the hello exchange and then never reads again.
func stalledPeer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := ReadFrame(conn); err != nil {
			conn.Close()
			return
		}
		hello, _ := protocol.EncodeBeacon(protocol.Beacon{PeerID: "stalled", SentAt: time.Now().UnixMilli()})
		if err := WriteFrame(conn, hello); err != nil {
			conn.Close()
			return
		}
		conns <- conn
	}()
	return ln.Addr().String(), conns
}

func TestSendToStalledPeerTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewManager("node-a", 0, nil)
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Close()

	addr, conns := stalledPeer(t)
	peer, err := m.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	select {
	case conn := <-conns:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("Stalled peer never finished the handshake")
	}

	payload := make([]byte, 16<<10)
	for i := 0; i < 4096; i++ {
		sendCtx, sendCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		start := time.Now()
		err := m.Send(sendCtx, peer, payload)
		sendCancel()
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("Send %d blocked for %v", i, elapsed)
		}
		if err != nil {
			if !errors.Is(err, ErrPeerUnreachable) {
				t.Fatalf("Expected ErrPeerUnreachable, got %v", err)
			}
			return
		}
	}
	t.Fatal("Send never failed although the peer stopped reading")
}
