// Package rserver implements the server side of the reliable
// request/response and publish/notify protocol: it accepts TCP
// connections, dispatches deduplicated requests to registered
// processors, fans out published notifications to every connected
// session, and evicts sessions that go quiet for too long.
package rserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ibase-go/reliabletcp/internal/loop"
	"github.com/ibase-go/reliabletcp/internal/logging"
	"github.com/ibase-go/reliabletcp/internal/metrics"
	"github.com/ibase-go/reliabletcp/internal/packet"
	"github.com/ibase-go/reliabletcp/internal/session"
	"github.com/ibase-go/reliabletcp/internal/timer"
)

const (
	maxHeartbeatIntervalSeconds = 20
	shutdownWait                = 5 * time.Second
)

// ReqProcessorFunc handles an inbound request on sessionID, identified
// by the request packet's own (cmd, seq) for the matching response.
type ReqProcessorFunc func(sessionID uint32, p *packet.Packet)

type sessionEntry struct {
	session  *session.Session
	lastRecv time.Time
}

// Server owns a TCP listener and every session accepted on it.
type Server struct {
	loop   *loop.Loop
	timers *timer.Service
	logger *slog.Logger
	wg     sync.WaitGroup

	listener     net.Listener
	sessions     map[uint32]*sessionEntry
	processors   map[uint32]ReqProcessorFunc
	curSessionID uint32
	curSeq       uint32
	started      bool
	checkTimerID uint32
}

// New constructs an unstarted server.
func New() *Server {
	l := loop.New()
	return &Server{
		loop:       l,
		timers:     timer.New(l),
		logger:     logging.L(),
		sessions:   make(map[uint32]*sessionEntry),
		processors: make(map[uint32]ReqProcessorFunc),
	}
}

// Start binds addr and begins accepting connections. Safe to call
// from any goroutine; idempotent.
func (s *Server) Start(addr string) error {
	if s.Started() {
		return nil
	}
	ln, err := listen(context.Background(), addr)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrapped))
		return wrapped
	}

	started := false
	s.loop.Call(func() {
		if s.started {
			return
		}
		s.started = true
		s.listener = ln
		s.checkTimerID = s.timers.Start(s.onPeriodicTimer, time.Second, time.Second)
		started = true
	})
	if !started {
		// A concurrent Start won the race; keep its listener.
		_ = ln.Close()
		return nil
	}
	s.logger.Info("rserver_listen", "addr", ln.Addr().String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

// Stop closes the listener, tears down every session, and stops the
// liveness timer. Waits for the accept loop to exit, up to
// shutdownWait, so a caller that immediately exits the process
// afterward does not race a lingering Accept against the closed
// listener.
func (s *Server) Stop() {
	var ln net.Listener
	s.loop.Call(func() {
		if !s.started {
			return
		}
		s.started = false
		ln = s.listener
		s.listener = nil
		s.timers.Stop(s.checkTimerID)
		s.checkTimerID = 0
		for id, e := range s.sessions {
			e.session.Stop()
			delete(s.sessions, id)
		}
		s.processors = make(map[uint32]ReqProcessorFunc)
		metrics.SetSessionsActive(0)
	})
	if ln != nil {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		s.logger.Warn("rserver_shutdown_wait_timeout")
	}
}

// Started reports whether the server has an active listener.
func (s *Server) Started() bool {
	var v bool
	s.loop.Call(func() { v = s.started })
	return v
}

// RegisterReqProcessor installs the handler invoked for requests
// carrying cmd. Replaces any existing handler for the same cmd.
func (s *Server) RegisterReqProcessor(cmd uint32, processor ReqProcessorFunc) {
	s.loop.Post(func() { s.processors[cmd] = processor })
}

// UnregisterReqProcessor removes the handler for cmd, if any.
func (s *Server) UnregisterReqProcessor(cmd uint32) {
	s.loop.Post(func() { delete(s.processors, cmd) })
}

// SendResponseForRequest writes a response frame (is_push=false) on
// sessionID, echoing cmd and seq from the originating request. It
// reports false if the body is too large for a frame or the session is
// no longer registered.
func (s *Server) SendResponseForRequest(sessionID, cmd, seq uint32, body []byte) bool {
	var ok bool
	s.loop.Call(func() {
		ok = s.sendPacket(sessionID, cmd, seq, false, body)
	})
	return ok
}

// PublishNotification fans a single push frame out to every connected
// session, all sharing one server-assigned sequence number so a
// client can tell repeated deliveries of the same publish apart from
// independent ones. Returns false only if the server is not started.
func (s *Server) PublishNotification(cmd uint32, body []byte) bool {
	var ok bool
	s.loop.Call(func() {
		if !s.started {
			return
		}
		ok = true
		s.curSeq++
		seq := s.curSeq
		metrics.IncNotificationsPublished()
		for id := range s.sessions {
			s.sendPacket(id, cmd, seq, true, body)
		}
	})
	return ok
}

func (s *Server) sendPacket(sessionID, cmd, seq uint32, isPush bool, body []byte) bool {
	p, err := packet.Build(cmd, seq, isPush, body)
	if err != nil {
		return false
	}
	e, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	e.session.SendPacket(p)
	return true
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.Started() {
				return
			}
			metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrAccept, err)))
			continue
		}
		s.loop.Post(func() { s.addSession(conn) })
	}
}

func (s *Server) addSession(conn net.Conn) {
	if !s.started {
		_ = conn.Close()
		return
	}
	s.curSessionID++
	id := s.curSessionID
	sess := session.New(id, conn, s.loop, s.dispatchPacket, s.logger)
	sess.Start()
	s.sessions[id] = &sessionEntry{session: sess, lastRecv: time.Now()}
	metrics.IncSessionsAccepted()
	metrics.SetSessionsActive(len(s.sessions))
}

// dispatchPacket runs on the server loop via Session.onReceive. It
// refreshes liveness for every received frame, then routes requests
// to a registered processor; pushes (including client heartbeats)
// only refresh liveness.
func (s *Server) dispatchPacket(sessionID uint32, p *packet.Packet) {
	if e, ok := s.sessions[sessionID]; ok {
		e.lastRecv = time.Now()
	}
	if p.IsPush {
		return
	}
	processor, ok := s.processors[p.Cmd]
	if !ok {
		return
	}
	processor(sessionID, p)
}

func (s *Server) onPeriodicTimer() {
	now := time.Now()
	for id, e := range s.sessions {
		if now.Sub(e.lastRecv) < maxHeartbeatIntervalSeconds*time.Second {
			continue
		}
		s.logger.Debug("session_evicted", "session_id", id)
		e.session.Stop()
		delete(s.sessions, id)
		metrics.IncSessionsEvicted()
	}
	metrics.SetSessionsActive(len(s.sessions))
}
