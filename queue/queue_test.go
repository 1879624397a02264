package queue

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeGateway is a minimal UDP echo-style responder used to exercise the
// queue's FIFO ordering and opcode correlation without a real gateway.
func fakeGateway(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func decodeOp(buf []byte) (byte, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return buf[1] &^ 0x80, true
}

// Queue FIFO: if A is enqueued before B, A's promise settles before B is
// sent on the wire (spec §8).
func TestQueueFIFOOrdering(t *testing.T) {
	gwConn, gwAddr := fakeGateway(t)

	q, err := New(gwAddr, decodeOp)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	var order []byte
	go func() {
		buf := make([]byte, 64)
		for i := 0; i < 2; i++ {
			n, addr, err := gwConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			order = append(order, buf[1]&^0x80)
			resp := make([]byte, 2)
			resp[0] = 0
			resp[1] = 0x80 | buf[1]
			_ = n
			gwConn.WriteToUDP(resp, addr)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	ctx := context.Background()
	doneA := make(chan struct{})
	go func() {
		_, err := q.Enqueue(ctx, 1, []byte{0, 1}, nil)
		require.NoError(t, err)
		close(doneA)
	}()

	<-doneA
	_, err = q.Enqueue(ctx, 2, []byte{0, 2}, nil)
	require.NoError(t, err)

	require.Equal(t, []byte{1, 2}, order)
}

func TestQueueCancellationRunsOnCancel(t *testing.T) {
	_, gwAddr := fakeGateway(t)

	q, err := New(gwAddr, decodeOp)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := false

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, 1, []byte{0, 1}, func() { cancelled = true })
		errCh <- err
	}()

	cancel()
	err = <-errCh
	require.Error(t, err)
	require.True(t, cancelled)
}

func TestQueueStaleReplyIgnored(t *testing.T) {
	gwConn, gwAddr := fakeGateway(t)

	q, err := New(gwAddr, decodeOp)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	go func() {
		buf := make([]byte, 64)
		_, addr, err := gwConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		// stale reply to a different opcode than was sent
		gwConn.WriteToUDP([]byte{0, 0x80 | 9}, addr)
		time.Sleep(5 * time.Millisecond)
		gwConn.WriteToUDP([]byte{0, 0x80 | buf[1]}, addr)
	}()

	_, err = q.Enqueue(context.Background(), 1, []byte{0, 1}, nil)
	require.NoError(t, err)
}
