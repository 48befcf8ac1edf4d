// Package session implements the server side of a single reliable TCP
// connection: framing, push retransmission, and duplicate-request
// suppression. A Session is driven entirely by its owning server's
// event loop — none of its methods are safe to call from any other
// goroutine, matching the source reliable_tcp_session_t's own
// "not thread safe, server only" contract.
package session

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/ibase-go/reliabletcp/internal/dedup"
	"github.com/ibase-go/reliabletcp/internal/loop"
	"github.com/ibase-go/reliabletcp/internal/metrics"
	"github.com/ibase-go/reliabletcp/internal/packet"
	"github.com/ibase-go/reliabletcp/internal/timer"
	"github.com/ibase-go/reliabletcp/internal/transport"
)

const (
	maxResendTries   = 3
	resendInterval   = 3 * time.Second
	readBufferLimit  = 128 * 1024
	writeQueueLength = 32
)

// ReceiveFunc is invoked, on the owning loop, for every frame the
// session accepts after dedup filtering: requests once, and pushes
// (including client heartbeats) on every delivery.
type ReceiveFunc func(sessionID uint32, p *packet.Packet)

type pendingPush struct {
	packet   *packet.Packet
	tries    uint32
	lastSend time.Time
}

// Session wraps one accepted connection.
type Session struct {
	id        uint32
	conn      net.Conn
	loop      *loop.Loop
	timers    *timer.Service
	wq        *transport.WriteQueue
	onReceive ReceiveFunc
	logger    *slog.Logger

	pending      []*pendingPush
	dedup        *dedup.Tracker
	checkTimerID uint32
	closed       atomic.Bool
}

// New constructs a session bound to l, the owning server's loop. Start
// must be called to begin reading and arm the resend timer.
func New(id uint32, conn net.Conn, l *loop.Loop, onReceive ReceiveFunc, logger *slog.Logger) *Session {
	return &Session{
		id:        id,
		conn:      conn,
		loop:      l,
		timers:    timer.New(l),
		onReceive: onReceive,
		logger:    logger.With("session_id", id, "remote", conn.RemoteAddr().String()),
		dedup:     dedup.New(),
	}
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() uint32 { return s.id }

// Start arms the periodic resend check and begins the read loop. Must
// be called on the owning loop.
func (s *Session) Start() {
	s.wq = transport.NewWriteQueueWithOverflow(context.Background(), s.conn, writeQueueLength, func(err error) {
		s.logger.Debug("session_write_error", "error", err)
	}, func() {
		s.logger.Warn("session_write_queue_overflow_evicting")
		s.loop.Post(s.Stop)
	})
	s.checkTimerID = s.timers.Start(s.onPeriodicTimer, time.Second, time.Second)
	go s.readLoop()
}

// Stop tears the session down: timers, pending pushes, dedup state,
// and the socket itself. Idempotent, must be called on the owning
// loop.
func (s *Session) Stop() {
	if s.closed.Swap(true) {
		return
	}
	s.timers.Stop(s.checkTimerID)
	s.checkTimerID = 0
	s.pending = nil
	s.dedup.Clear()
	// Close the socket first so a Write blocked on a slow peer fails
	// and the queue's drain goroutine can exit before Close waits on it.
	_ = s.conn.Close()
	if s.wq != nil {
		s.wq.Close()
	}
}

// SendPacket queues p for transmission. Pushes are tracked for
// retransmission; plain responses are fire-and-forget, matching the
// reference (resending a response is the caller's job via a retried
// request, not the session's).
func (s *Session) SendPacket(p *packet.Packet) {
	if p.IsPush {
		s.pending = append(s.pending, &pendingPush{packet: p, tries: 1, lastSend: time.Now()})
		metrics.IncNotificationPushesSent()
	}
	s.writePacket(p)
}

func (s *Session) writePacket(p *packet.Packet) {
	if s.closed.Load() || s.wq == nil {
		return
	}
	// Write errors are not acted on here; retransmission, not the
	// write call, is what drives pushes to completion.
	_ = s.wq.Enqueue(p)
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufferLimit)
	var pending []byte
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.logger.Debug("session_read_stopped", "error", err)
			// No synchronous close here: the server's liveness sweep
			// owns eviction, matching the reference's "let session_mgr
			// timeout check do its job".
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			p, consumed := packet.Parse(pending)
			if consumed > 0 {
				skipped := consumed
				if p != nil {
					skipped -= p.Len()
				}
				metrics.AddParseResyncs(skipped)
				pending = pending[consumed:]
			}
			if p == nil {
				break
			}
			pkt := p
			s.loop.Post(func() { s.handlePacket(pkt) })
		}
	}
}

func (s *Session) handlePacket(p *packet.Packet) {
	if s.closed.Load() {
		return
	}
	if p.IsPush {
		s.processPush(p)
		return
	}
	s.processRequest(p)
}

func (s *Session) processRequest(p *packet.Packet) {
	if s.dedup.Observe(p.Cmd, p.Seq, time.Now().Unix()) {
		metrics.IncRequestsDuplicate()
		return
	}
	s.onReceive(s.id, p)
}

func (s *Session) processPush(p *packet.Packet) {
	for i, entry := range s.pending {
		if entry.packet.Cmd == p.Cmd && entry.packet.Seq == p.Seq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			metrics.IncNotificationPushesAcked()
			break
		}
	}
	s.onReceive(s.id, p)
}

func (s *Session) onPeriodicTimer() {
	now := time.Now()
	live := s.pending[:0]
	for _, entry := range s.pending {
		if now.Sub(entry.lastSend) < resendInterval {
			live = append(live, entry)
			continue
		}
		if entry.tries >= maxResendTries {
			metrics.IncNotificationPushesExpired()
			continue
		}
		entry.tries++
		entry.lastSend = now
		s.writePacket(entry.packet)
		metrics.IncNotificationPushesSent()
		live = append(live, entry)
	}
	s.pending = live
}
