// Package transport provides the per-socket outbound frame queue shared
// by the client and server sessions.
//
// The reference implementation issues writes directly against the
// socket from whichever call site needs to send, which is only safe if
// the transport never interleaves bytes from two concurrent Write
// calls — a guarantee the reference does not actually enforce (see the
// write-serialization design note). WriteQueue closes that gap: every
// outbound *packet.Packet for a socket funnels through one goroutine,
// so frames are always written whole, never interleaved. This is the
// same single-goroutine fan-in shape as the teacher's AsyncTx, applied
// to framed packets instead of CAN frames.
//
// Enqueue never blocks. A session's retry schedulers and the server's
// publish fan-out all run on their owning loop goroutine, so a queue
// that blocked on a full buffer would stall every other session on
// that loop behind one slow peer. Instead a full queue drops the frame
// and reports the overflow, the same non-blocking-send-or-drop shape
// the CAN frame hub used for its broadcast fan-out. A dropped push or
// request is not lost silently: the sender's own resend/retry timer
// will re-attempt it on its normal schedule.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ibase-go/reliabletcp/internal/metrics"
	"github.com/ibase-go/reliabletcp/internal/packet"
)

// ErrQueueClosed is returned by Enqueue once the queue has been closed.
var ErrQueueClosed = errors.New("transport: write queue closed")

// WriteQueue serializes writes of framed packets to a single net.Conn.
type WriteQueue struct {
	mu         sync.Mutex
	ch         chan *packet.Packet
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	conn       net.Conn
	onErr      func(error)
	onOverflow func()
	closed     atomic.Bool
}

// NewWriteQueue starts the draining goroutine for conn. onErr, if
// non-nil, is invoked (off the caller's goroutine) whenever a write
// fails; the queue keeps draining afterward so later sends still get a
// chance (the caller is expected to close the queue once it reacts to
// the error, e.g. by tearing down the session). onOverflow, if
// non-nil, is invoked synchronously from Enqueue whenever the buffer
// is full and a frame has to be dropped; a session uses this to flag
// itself for eviction instead of stalling its owning loop.
func NewWriteQueue(parent context.Context, conn net.Conn, buf int, onErr func(error)) *WriteQueue {
	return NewWriteQueueWithOverflow(parent, conn, buf, onErr, nil)
}

// NewWriteQueueWithOverflow is NewWriteQueue with an overflow hook.
func NewWriteQueueWithOverflow(parent context.Context, conn net.Conn, buf int, onErr func(error), onOverflow func()) *WriteQueue {
	ctx, cancel := context.WithCancel(parent)
	q := &WriteQueue{
		ch:         make(chan *packet.Packet, buf),
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		onErr:      onErr,
		onOverflow: onOverflow,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *WriteQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case p, ok := <-q.ch:
			if !ok {
				return
			}
			if _, err := q.conn.Write(p.Bytes()); err != nil && q.onErr != nil {
				q.onErr(err)
			}
		case <-q.ctx.Done():
			return
		}
	}
}

// Enqueue submits p for transmission. It never blocks: if the internal
// buffer is full the frame is dropped, onOverflow is invoked, and nil
// is returned, since the caller's own retry/resend schedule will bring
// the frame back around.
func (q *WriteQueue) Enqueue(p *packet.Packet) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- p:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
		metrics.IncWriteQueueOverflow()
		if q.onOverflow != nil {
			q.onOverflow()
		}
		return nil
	}
}

// Close stops the draining goroutine and waits for it to exit. Close
// does not close the underlying connection; callers own that.
func (q *WriteQueue) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.cancel()
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}
