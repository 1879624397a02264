package natpmp

import (
	"net"
	"testing"
	"time"

	"github.com/hlandau/gwmap/gwtypes"
	"github.com/hlandau/gwmap/mapping"
	"github.com/hlandau/gwmap/queue"
	"github.com/stretchr/testify/require"
)

type fakePMPServer struct {
	conn    *net.UDPConn
	started time.Time
}

func newFakePMPServer(t *testing.T) (*fakePMPServer, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	s := &fakePMPServer{conn: conn, started: time.Now()}
	t.Cleanup(func() { conn.Close() })
	go s.loop()

	return s, conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *fakePMPServer) loop() {
	buf := make([]byte, 256)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := buf[:n]
		epoch := uint32(time.Since(s.started).Seconds())

		switch {
		case req[1] == byte(OpExternalIP):
			resp := make([]byte, extIPRespLen)
			resp[1] = byte(OpExternalIP) | 0x80
			resp[4] = byte(epoch >> 24)
			resp[5] = byte(epoch >> 16)
			resp[6] = byte(epoch >> 8)
			resp[7] = byte(epoch)
			resp[8], resp[9], resp[10], resp[11] = 203, 0, 113, 9
			s.conn.WriteToUDP(resp, addr)

		case req[1] == byte(OpMapTCP) || req[1] == byte(OpMapUDP):
			resp := make([]byte, mapRespLen)
			resp[1] = req[1] | 0x80
			resp[4] = byte(epoch >> 24)
			resp[5] = byte(epoch >> 16)
			resp[6] = byte(epoch >> 8)
			resp[7] = byte(epoch)
			copy(resp[8:10], req[4:6])  // internal port
			copy(resp[10:12], req[4:6]) // external == internal
			copy(resp[12:16], req[8:12])
			s.conn.WriteToUDP(resp, addr)
		}
	}
}

func newTestGateway(t *testing.T, serverPort int) *Gateway {
	t.Helper()
	q, err := queue.New(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort}, DecodeOpcode)
	require.NoError(t, err)
	return &Gateway{
		host:   net.ParseIP("127.0.0.1"),
		q:      q,
		table:  mapping.New(),
		timers: make(map[string]*time.Timer),
	}
}

func TestGatewayMapSuccess(t *testing.T) {
	_, port := newFakePMPServer(t)
	g := newTestGateway(t, port)
	defer g.Stop(gwtypes.Options{})

	pm, err := g.Map(5000, "10.0.0.5", gwtypes.Options{Protocol: "TCP", TTL: time.Hour})
	require.NoError(t, err)
	require.Equal(t, uint16(5000), pm.ExternalPort)
	require.Equal(t, "203.0.113.9", pm.ExternalHost)
}

func TestGatewayExternalIP(t *testing.T) {
	_, port := newFakePMPServer(t)
	g := newTestGateway(t, port)
	defer g.Stop(gwtypes.Options{})

	ip, err := g.ExternalIP(gwtypes.Options{})
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", ip)
}

func TestGatewayRejectsBadProtocol(t *testing.T) {
	_, port := newFakePMPServer(t)
	g := newTestGateway(t, port)
	defer g.Stop(gwtypes.Options{})

	_, err := g.Map(5000, "10.0.0.5", gwtypes.Options{Protocol: "SCTP"})
	require.Error(t, err)
}
