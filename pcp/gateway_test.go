package pcp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/hlandau/gwmap/gwtypes"
	"github.com/hlandau/gwmap/internal/gwrt"
	"github.com/hlandau/gwmap/mapping"
	"github.com/hlandau/gwmap/queue"
	"github.com/stretchr/testify/require"
)

// fakePCPServer answers ANNOUNCE and MAP requests on an ephemeral UDP
// port, reporting a server epoch computed from a configurable start time
// so tests can simulate a reboot by jumping it forward.
type fakePCPServer struct {
	conn    *net.UDPConn
	started time.Time
	stop    chan struct{}
}

func newFakePCPServer(t *testing.T) (*fakePCPServer, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	s := &fakePCPServer{conn: conn, started: time.Now(), stop: make(chan struct{})}
	go s.loop()
	t.Cleanup(func() { close(s.stop); conn.Close() })

	return s, conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *fakePCPServer) epoch() uint32 {
	return uint32(time.Since(s.started).Seconds())
}

func (s *fakePCPServer) loop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := make([]byte, n)
		copy(req, buf[:n])

		resp := make([]byte, headerLen)
		resp[0] = version
		resp[1] = req[1] | 0x80
		binary.BigEndian.PutUint32(resp[4:8], 7200)
		binary.BigEndian.PutUint32(resp[8:12], s.epoch())

		opcode := req[1] &^ 0x80
		if Opcode(opcode) == OpMap && len(req) >= headerLen+mapDataLen {
			tail := make([]byte, mapDataLen)
			copy(tail, req[headerLen:headerLen+mapDataLen])
			// echo internal port as the assigned external port too.
			copy(tail[18:20], tail[16:18])
			copy(tail[20:36], append(make([]byte, 10), 0xff, 0xff, 203, 0, 113, 9))
			resp = append(resp, tail...)
		}

		s.conn.WriteToUDP(resp, addr)
	}
}

func TestGatewayMapSuccess(t *testing.T) {
	_, port := newFakePCPServer(t)
	g := newTestGateway(t, port)
	defer g.Stop(gwtypes.Options{})

	pm, err := g.Map(5000, "10.0.0.5", gwtypes.Options{Protocol: "TCP", TTL: time.Hour, AutoRefresh: false})
	require.NoError(t, err)
	require.Equal(t, uint16(5000), pm.ExternalPort)
	require.Equal(t, "203.0.113.9", pm.ExternalHost)
	require.Equal(t, "TCP", pm.Protocol)
}

func TestGatewayUnmapRemovesRow(t *testing.T) {
	_, port := newFakePCPServer(t)
	g := newTestGateway(t, port)
	defer g.Stop(gwtypes.Options{})

	_, err := g.Map(5000, "10.0.0.5", gwtypes.Options{Protocol: "TCP", TTL: time.Hour})
	require.NoError(t, err)
	require.Len(t, g.GetMappings(), 1)

	err = g.Unmap(5000, gwtypes.Options{Protocol: "TCP"})
	require.NoError(t, err)
	require.Empty(t, g.GetMappings())
}

func TestGatewayRejectsBadProtocol(t *testing.T) {
	_, port := newFakePCPServer(t)
	g := newTestGateway(t, port)
	defer g.Stop(gwtypes.Options{})

	_, err := g.Map(5000, "10.0.0.5", gwtypes.Options{Protocol: "SCTP"})
	require.Error(t, err)
}

// newTestGateway builds a Gateway bound to 127.0.0.1 on a server already
// listening on port, bypassing the well-known 5351 assumption so tests
// don't need root or a real gateway.
func newTestGateway(t *testing.T, serverPort int) *Gateway {
	t.Helper()

	// Gateway.New hardcodes Port; build the low-level pieces directly so
	// tests can point at an arbitrary ephemeral port instead.
	q, err := queue.New(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort}, DecodeOpcode)
	require.NoError(t, err)

	g := &Gateway{
		host:   net.ParseIP("127.0.0.1"),
		family: gwrt.FamilyIPv4,
		table:  mapping.New(),
		q:      q,
	}
	require.NoError(t, g.announce())
	g.state = gwrt.StateListening
	g.startRefresher()
	t.Cleanup(func() {
		select {
		case <-g.refreshStop:
		default:
			close(g.refreshStop)
		}
	})
	return g
}
