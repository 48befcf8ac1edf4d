package rserver

import (
	"net"
	"testing"
	"time"

	"github.com/ibase-go/reliabletcp/internal/packet"
)

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readPacket(t *testing.T, conn net.Conn) *packet.Packet {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	for {
		if p, consumed := packet.Parse(buf); p != nil {
			_ = consumed
			return p
		}
		n, err := conn.Read(tmp)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		buf = append(buf, tmp[:n]...)
	}
}

func TestServerRoutesRequestToProcessor(t *testing.T) {
	s := New()
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	got := make(chan struct {
		sid uint32
		p   *packet.Packet
	}, 1)
	s.RegisterReqProcessor(42, func(sessionID uint32, p *packet.Packet) {
		got <- struct {
			sid uint32
			p   *packet.Packet
		}{sessionID, p}
		s.SendResponseForRequest(sessionID, p.Cmd, p.Seq, []byte("pong"))
	})

	conn := dial(t, s.listenerAddrForTest())
	defer conn.Close()

	req, _ := packet.Build(42, 5, false, []byte("ping"))
	if _, err := conn.Write(req.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case g := <-got:
		if g.sid == 0 || string(g.p.Body) != "ping" {
			t.Fatalf("unexpected dispatch: %+v", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("processor never invoked")
	}

	resp := readPacket(t, conn)
	if resp.Cmd != 42 || resp.Seq != 5 || string(resp.Body) != "pong" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServerPublishFansOutToAllSessions(t *testing.T) {
	s := New()
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	addr := s.listenerAddrForTest()
	a := dial(t, addr)
	defer a.Close()
	b := dial(t, addr)
	defer b.Close()

	time.Sleep(50 * time.Millisecond) // let both sessions register

	if !s.PublishNotification(77, []byte("hello")) {
		t.Fatal("publish_notification reported failure")
	}

	for _, conn := range []net.Conn{a, b} {
		p := readPacket(t, conn)
		if p.Cmd != 77 || !p.IsPush || string(p.Body) != "hello" {
			t.Fatalf("unexpected push: %+v", p)
		}
	}
}

// listenerAddrForTest exposes the bound ephemeral address for tests.
func (s *Server) listenerAddrForTest() string {
	var addr string
	s.loop.Call(func() {
		if s.listener != nil {
			addr = s.listener.Addr().String()
		}
	})
	return addr
}

// sessionCountForTest reports the number of currently registered
// sessions.
func (s *Server) sessionCountForTest() int {
	var n int
	s.loop.Call(func() { n = len(s.sessions) })
	return n
}

// backdateAllSessionsForTest rewinds every session's last-received
// timestamp by age, so the liveness sweep can be exercised without
// waiting out the real 20s window.
func (s *Server) backdateAllSessionsForTest(age time.Duration) {
	s.loop.Call(func() {
		for _, e := range s.sessions {
			e.lastRecv = e.lastRecv.Add(-age)
		}
	})
}

func TestServerLivenessSweepEvictsSilentSession(t *testing.T) {
	s := New()
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	conn := dial(t, s.listenerAddrForTest())
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.sessionCountForTest() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Age the session past the 20s liveness window; the next sweep
	// tick (runs every second) must evict it.
	s.backdateAllSessionsForTest(21 * time.Second)

	deadline = time.Now().Add(2 * time.Second)
	for s.sessionCountForTest() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was never evicted by the liveness sweep")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected evicted session's connection to be closed")
	}
}
