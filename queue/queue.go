// Package queue implements the single-flight, FIFO UDP request queue
// shared by the PCP and NAT-PMP gateways (spec §4.C, §5).
//
// A Queue owns one UDP socket. Requests are sent one at a time, in the
// order they were enqueued; a reply is correlated to the head-of-queue
// request by an opcode extracted from its own header, because PCP and
// NAT-PMP each lay their headers out differently. A reply whose opcode
// doesn't match the head is a stale retry response and is silently
// dropped, exactly as spec §4.C requires.
package queue

import (
	"context"
	"net"
	"sync"

	degonet "github.com/hlandau/degoutils/net"
	"github.com/hlandau/xlog"
	"github.com/pkg/errors"
)

var log, Log = xlog.NewQuiet("gwmap/queue")

// OpcodeOf extracts the opcode a response datagram is answering, so the
// queue can tell a genuine reply to the head-of-queue request apart from
// a stale retransmission reply. Returning ok=false means the datagram
// can't even be parsed far enough to find an opcode, and is dropped.
type OpcodeOf func(datagram []byte) (opcode byte, ok bool)

// Request is one entry in the queue.
type Request struct {
	Opcode byte
	Data   []byte

	result   chan result
	onCancel func()
}

type result struct {
	data []byte
	err  error
}

// Queue is a FIFO request queue bound to a single UDP socket and a single
// remote gateway address.
type Queue struct {
	conn     *net.UDPConn
	gwAddr   *net.UDPAddr
	decodeOp OpcodeOf

	mu       sync.Mutex
	items    []*Request
	inflight *Request
	closed   bool
	closeCh  chan struct{}
}

// New binds an ephemeral UDP socket and starts the queue's receive loop.
// decodeOp must know how to read an opcode back out of a raw response for
// the protocol this queue will carry.
func New(gwAddr *net.UDPAddr, decodeOp OpcodeOf) (*Queue, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "queue: bind local socket")
	}

	q := &Queue{
		conn:     conn,
		gwAddr:   gwAddr,
		decodeOp: decodeOp,
		closeCh:  make(chan struct{}),
	}

	go q.recvLoop()
	return q, nil
}

// Enqueue appends a request, triggers the pump, and blocks until the
// response is correlated, the request is cancelled via ctx, or the queue
// is closed. onCancel, if non-nil, runs if ctx is cancelled before a
// response arrives — used by MAP requests to delete their provisional
// mapping row, per spec §4.C and §5 ("Cancellation").
func (q *Queue) Enqueue(ctx context.Context, opcode byte, data []byte, onCancel func()) ([]byte, error) {
	req := &Request{
		Opcode:   opcode,
		Data:     data,
		result:   make(chan result, 1),
		onCancel: onCancel,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.New("queue: gateway is closed")
	}
	q.items = append(q.items, req)
	q.mu.Unlock()

	q.pump()

	select {
	case r := <-req.result:
		return r.data, r.err
	case <-ctx.Done():
		q.cancel(req)
		return nil, ctx.Err()
	case <-q.closeCh:
		return nil, errors.New("queue: gateway is closed")
	}
}

func (q *Queue) cancel(req *Request) {
	q.mu.Lock()
	wasInflight := q.inflight == req
	if wasInflight {
		q.inflight = nil
	}
	out := q.items[:0]
	for _, r := range q.items {
		if r != req {
			out = append(out, r)
		}
	}
	q.items = out
	q.mu.Unlock()

	if req.onCancel != nil {
		req.onCancel()
	}
	if wasInflight {
		q.pump()
	}
}

// pump sends the head-of-queue request if nothing is currently in-flight.
func (q *Queue) pump() {
	q.mu.Lock()
	if q.closed || q.inflight != nil || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.items[0]
	q.inflight = head
	q.mu.Unlock()

	_, err := q.conn.WriteToUDP(head.Data, q.gwAddr)
	if err != nil {
		q.failHead(err)
	}
}

func (q *Queue) failHead(err error) {
	q.mu.Lock()
	head := q.inflight
	if head == nil {
		q.mu.Unlock()
		return
	}
	q.inflight = nil
	if len(q.items) > 0 && q.items[0] == head {
		q.items = q.items[1:]
	}
	q.mu.Unlock()

	head.result <- result{err: errors.Wrap(err, "queue: send failed")}
}

func (q *Queue) recvLoop() {
	for {
		buf, addr, err := degonet.ReadDatagramFromUDP(q.conn)
		if err != nil {
			select {
			case <-q.closeCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		if !addr.IP.Equal(q.gwAddr.IP) || addr.Port != q.gwAddr.Port {
			log.Debugf("queue: dropping datagram from unexpected source %s", addr)
			continue
		}

		q.mu.Lock()
		head := q.inflight
		if head == nil {
			q.mu.Unlock()
			continue
		}

		opcode, ok := q.decodeOp(buf)
		if !ok || opcode != head.Opcode {
			// Stale reply to a prior retry, or unparsable noise: keep waiting
			// for the real head-of-queue reply.
			q.mu.Unlock()
			log.Debugf("queue: ignoring reply with opcode mismatch (got %v, want %d)", opcode, head.Opcode)
			continue
		}

		q.inflight = nil
		if len(q.items) > 0 && q.items[0] == head {
			q.items = q.items[1:]
		}
		q.mu.Unlock()

		head.result <- result{data: buf}
		q.pump()
	}
}

// Close shuts the socket and fails every queued and in-flight request.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue: already closed")
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.inflight = nil
	q.mu.Unlock()

	close(q.closeCh)
	err := q.conn.Close()

	for _, r := range pending {
		select {
		case r.result <- result{err: errors.New("queue: gateway is closed")}:
		default:
		}
	}

	return err
}

// LocalAddr returns the ephemeral local address the queue's socket is
// bound to.
func (q *Queue) LocalAddr() net.Addr {
	return q.conn.LocalAddr()
}
