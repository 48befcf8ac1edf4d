// Package client implements the client side of the reliable
// request/response and publish/notify protocol: automatic connect and
// reconnect, retried requests with bounded attempts, acked push
// delivery with duplicate suppression, and periodic heartbeats. All
// mutable state lives on a single owned event loop, mirroring the
// reference reliable_tcp_client_t.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ibase-go/reliabletcp/internal/dedup"
	"github.com/ibase-go/reliabletcp/internal/loop"
	"github.com/ibase-go/reliabletcp/internal/logging"
	"github.com/ibase-go/reliabletcp/internal/metrics"
	"github.com/ibase-go/reliabletcp/internal/packet"
	"github.com/ibase-go/reliabletcp/internal/timer"
	"github.com/ibase-go/reliabletcp/internal/transport"
	"github.com/rs/xid"
)

// State is the connection's lifecycle stage.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	reconnectInterval = 5 * time.Second
	heartbeatInterval = 5 * time.Second
	dialTimeout       = 5 * time.Second
	readBufferLimit   = 128 * 1024
	writeQueueLength  = 32
)

// SendOpt bounds a request's retry behavior.
type SendOpt struct {
	Tries           uint32
	IntervalSeconds uint32
}

// DefaultSendOpt mirrors the reference default: 3 tries, 3s apart.
var DefaultSendOpt = SendOpt{Tries: 3, IntervalSeconds: 3}

// CompletionFunc is invoked at most once per request: result is 0 on a
// matched response (resp holds it) or -1 once the retry budget is
// exhausted (resp holds the last frame sent).
type CompletionFunc func(sendID uint32, result int, resp *packet.Packet)

// NotificationFunc receives one deduplicated push per subscribed cmd.
type NotificationFunc func(p *packet.Packet)

type pendingRequest struct {
	packet   *packet.Packet
	sendID   uint32
	opt      SendOpt
	tries    uint32
	lastSend time.Time
	cb       CompletionFunc
}

type connEpoch struct {
	conn net.Conn
	wq   *transport.WriteQueue
}

// Client is a single reliable connection to one server address.
type Client struct {
	loop   *loop.Loop
	timers *timer.Service
	dedup  *dedup.Tracker
	logger *slog.Logger

	host string
	port uint16

	started       bool
	startedAtomic atomic.Bool
	state         State
	stateAtomic   atomic.Int32
	epoch         *connEpoch
	lastConnect   time.Time
	lastHeartbeat time.Time
	checkTimerID  uint32

	curSeq        uint32
	curSendID     uint32
	pending       map[uint32]*pendingRequest
	notifications map[uint32]NotificationFunc
}

// New constructs an unstarted client.
func New() *Client {
	l := loop.New()
	return &Client{
		loop:          l,
		timers:        timer.New(l),
		dedup:         dedup.New(),
		logger:        logging.L(),
		pending:       make(map[uint32]*pendingRequest),
		notifications: make(map[uint32]NotificationFunc),
	}
}

// Start connects to host:port and arms the periodic check timer.
// Idempotent: calling Start again while already started is a no-op
// that reports success. Safe from any goroutine.
func (c *Client) Start(host string, port uint16) bool {
	var ok bool
	c.loop.Call(func() {
		if c.started {
			ok = true
			return
		}
		c.started = true
		c.startedAtomic.Store(true)
		c.host, c.port = host, port
		c.checkTimerID = c.timers.Start(c.onPeriodicTimer, time.Second, time.Second)
		c.doConnect()
		ok = c.checkTimerID != 0
	})
	return ok
}

// Stop disconnects, drops all pending requests without invoking their
// callbacks, and clears subscriptions. Safe from any goroutine.
func (c *Client) Stop() {
	c.loop.Call(func() {
		if !c.started {
			return
		}
		c.started = false
		c.startedAtomic.Store(false)
		c.timers.Stop(c.checkTimerID)
		c.checkTimerID = 0
		c.closeEpoch()
		c.setState(StateDisconnected)
		c.pending = make(map[uint32]*pendingRequest)
		c.notifications = make(map[uint32]NotificationFunc)
		c.dedup.Clear()
		c.lastConnect = time.Time{}
		c.lastHeartbeat = time.Time{}
	})
}

// Started reports whether Start has been called without a matching Stop.
func (c *Client) Started() bool { return c.startedAtomic.Load() }

// State returns a lock-free snapshot of the connection's lifecycle stage.
func (c *Client) State() State { return State(c.stateAtomic.Load()) }

func (c *Client) setState(s State) {
	c.state = s
	c.stateAtomic.Store(int32(s))
}

// SendRequestAsync submits a request and returns a send id immediately
// (0 on a frame-too-large build failure). opt may be nil to use
// DefaultSendOpt. cb fires at most once, from the client's loop, with
// result 0 on a matched response or -1 after the retry budget is
// exhausted; it never fires for a request dropped by SendCancel or Stop.
func (c *Client) SendRequestAsync(cmd uint32, body []byte, opt *SendOpt, cb CompletionFunc) uint32 {
	if opt == nil {
		opt = &DefaultSendOpt
	}
	o := *opt
	var sendID uint32
	c.loop.Call(func() {
		sendID = c.sendRequestImpl(cmd, body, o, cb)
	})
	return sendID
}

func (c *Client) sendRequestImpl(cmd uint32, body []byte, opt SendOpt, cb CompletionFunc) uint32 {
	c.curSeq++
	p, err := packet.Build(cmd, c.curSeq, false, body)
	if err != nil {
		return 0
	}
	c.curSendID++
	sendID := c.curSendID
	c.pending[sendID] = &pendingRequest{
		packet:   p,
		sendID:   sendID,
		opt:      opt,
		tries:    1,
		lastSend: time.Now(),
		cb:       cb,
	}
	metrics.IncRequestsSent()
	c.writePacket(p)
	return sendID
}

// SendCancel drops a pending request without invoking its callback.
// No-op if sendID is unknown or already completed.
func (c *Client) SendCancel(sendID uint32) {
	c.loop.Post(func() {
		if _, ok := c.pending[sendID]; ok {
			delete(c.pending, sendID)
			metrics.IncRequestsCancelled()
		}
	})
}

// SubscribeNotification installs the handler invoked for deduplicated
// pushes carrying cmd, replacing any existing one.
func (c *Client) SubscribeNotification(cmd uint32, fn NotificationFunc) {
	c.loop.Post(func() { c.notifications[cmd] = fn })
}

// UnsubscribeNotification removes the handler for cmd, if any.
func (c *Client) UnsubscribeNotification(cmd uint32) {
	c.loop.Post(func() { delete(c.notifications, cmd) })
}

func (c *Client) writePacket(p *packet.Packet) {
	if c.epoch == nil {
		return
	}
	_ = c.epoch.wq.Enqueue(p)
}

func (c *Client) closeEpoch() {
	if c.epoch == nil {
		return
	}
	c.epoch.wq.Close()
	_ = c.epoch.conn.Close()
	c.epoch = nil
}

func (c *Client) doConnect() {
	if !c.started {
		return
	}
	c.setState(StateConnecting)
	c.lastConnect = time.Now()
	metrics.IncReconnectAttempts()
	addr := net.JoinHostPort(c.host, strconv.Itoa(int(c.port)))
	go func() {
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.Dial("tcp", addr)
		c.loop.Post(func() { c.onDialResult(conn, err) })
	}()
}

func (c *Client) onDialResult(conn net.Conn, err error) {
	if err != nil {
		c.setState(StateDisconnected)
		metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrDial, err)))
		c.logger.Debug("client_connect_failed", "error", err)
		return
	}
	if !c.started {
		_ = conn.Close()
		return
	}
	ep := &connEpoch{conn: conn}
	ep.wq = transport.NewWriteQueue(context.Background(), conn, writeQueueLength, func(err error) {
		c.loop.Post(func() { c.onSocketError(ep, err) })
	})
	c.epoch = ep
	c.setState(StateConnected)
	traceID := xid.New().String()
	connLogger := c.logger.With("trace_id", traceID, "remote", conn.RemoteAddr().String())
	connLogger.Info("client_connected")
	go c.readLoop(ep, connLogger)
}

func (c *Client) onSocketError(ep *connEpoch, err error) {
	if c.epoch != ep {
		return
	}
	c.logger.Debug("client_socket_error", "error", err)
	c.closeEpoch()
	c.setState(StateDisconnected)
}

func (c *Client) readLoop(ep *connEpoch, logger *slog.Logger) {
	buf := make([]byte, readBufferLimit)
	var pending []byte
	for {
		n, err := ep.conn.Read(buf)
		if err != nil {
			logger.Debug("client_read_stopped", "error", err)
			c.loop.Post(func() { c.onSocketError(ep, err) })
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
			c.loop.Post(func() {
				if c.epoch != ep {
					return
				}
				c.handlePacket(pkt)
			})
		}
	}
}

func (c *Client) handlePacket(p *packet.Packet) {
	if p.IsPush {
		c.processPush(p)
		return
	}
	c.processResponse(p)
}

func (c *Client) processResponse(p *packet.Packet) {
	for sendID, req := range c.pending {
		if req.packet.Cmd == p.Cmd && req.packet.Seq == p.Seq {
			delete(c.pending, sendID)
			metrics.IncResponsesMatched()
			if req.cb != nil {
				req.cb(sendID, 0, p)
			}
			return
		}
	}
}

func (c *Client) processPush(p *packet.Packet) {
	c.ackPush(p)
	if c.dedup.Observe(p.Cmd, p.Seq, time.Now().Unix()) {
		metrics.IncNotificationsDuplicate()
		return
	}
	if fn, ok := c.notifications[p.Cmd]; ok {
		metrics.IncNotificationsDelivered()
		fn(p)
	}
}

func (c *Client) ackPush(p *packet.Packet) {
	ack, err := packet.BuildAck(p.Cmd, p.Seq)
	if err != nil {
		return
	}
	c.writePacket(ack)
}

func (c *Client) onPeriodicTimer() {
	now := time.Now()
	c.checkReconnect(now)
	c.checkResend(now)
	c.checkHeartbeat(now)
}

func (c *Client) checkReconnect(now time.Time) {
	if c.state != StateDisconnected {
		return
	}
	if now.Sub(c.lastConnect) < reconnectInterval {
		return
	}
	c.doConnect()
}

func (c *Client) checkResend(now time.Time) {
	for sendID, req := range c.pending {
		interval := time.Duration(req.opt.IntervalSeconds) * time.Second
		if now.Sub(req.lastSend) < interval {
			continue
		}
		if req.tries >= req.opt.Tries {
			delete(c.pending, sendID)
			metrics.IncRequestsExhausted()
			if req.cb != nil {
				req.cb(sendID, -1, req.packet)
			}
			continue
		}
		req.tries++
		req.lastSend = now
		metrics.IncRequestRetries()
		c.writePacket(req.packet)
	}
}

func (c *Client) checkHeartbeat(now time.Time) {
	if now.Sub(c.lastHeartbeat) < heartbeatInterval {
		return
	}
	if c.state != StateConnected {
		return
	}
	c.curSeq++
	p, err := packet.BuildHeartbeat(c.curSeq)
	if err != nil {
		return
	}
	c.writePacket(p)
	metrics.IncHeartbeatsSent()
	// Corrected semantics: refresh the heartbeat clock after every
	// send, not just the first, so the interval is measured between
	// transmissions rather than since the connection was opened.
	c.lastHeartbeat = now
}
