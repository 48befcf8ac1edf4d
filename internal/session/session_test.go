package session

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/ibase-go/reliabletcp/internal/loop"
	"github.com/ibase-go/reliabletcp/internal/packet"
)

func newTestPair(t *testing.T) (*Session, net.Conn, *loop.Loop, <-chan *packet.Packet) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	l := loop.New()
	t.Cleanup(l.Stop)

	received := make(chan *packet.Packet, 16)
	s := New(1, server, l, func(_ uint32, p *packet.Packet) { received <- p }, slog.Default())
	l.Call(s.Start)
	t.Cleanup(func() { l.Call(s.Stop) })

	return s, client, l, received
}

func TestSessionDispatchesRequestOnce(t *testing.T) {
	_, client, _, received := newTestPair(t)

	req, err := packet.Build(7, 1, false, []byte("ping"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := client.Write(req.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := client.Write(req.Bytes()); err != nil { // exact retransmit
		t.Fatalf("write dup: %v", err)
	}

	select {
	case got := <-received:
		if got.Cmd != 7 || got.Seq != 1 || string(got.Body) != "ping" {
			t.Fatalf("unexpected dispatch: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never dispatched")
	}
	select {
	case <-received:
		t.Fatal("duplicate request dispatched twice")
	case <-time.After(200 * time.Millisecond):
	}

	buf := make([]byte, 256)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	// The session does not reply to a bare request on its own; this
	// just confirms the write path doesn't wedge the pipe.
	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _ = client.Read(buf)
}

func TestSessionClearsPendingPushOnAck(t *testing.T) {
	s, client, l, _ := newTestPair(t)

	l.Call(func() {
		p, _ := packet.Build(9, 1, true, []byte("evt"))
		s.SendPacket(p)
	})

	buf := make([]byte, 0, packet.HeaderLength*4)
	tmp := make([]byte, 256)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(buf) < packet.HeaderLength {
		n, err := client.Read(tmp)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		buf = append(buf, tmp[:n]...)
	}
	got, consumed := packet.Parse(buf)
	if got == nil || got.Cmd != 9 || got.Seq != 1 {
		t.Fatalf("unexpected first delivery: %+v consumed=%d", got, consumed)
	}

	ack, _ := packet.BuildAck(9, 1)
	if _, err := client.Write(ack.Bytes()); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	done := make(chan bool, 1)
	l.Call(func() { done <- len(s.pending) == 0 })
	if !<-done {
		t.Fatalf("expected pending push to be cleared after ack")
	}
}
